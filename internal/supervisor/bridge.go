// Package supervisor 组装网桥的各个协程并守护它们：串口握手完成、得到逻辑网络名后
// 再启动 DCR、UDP 收发及可选组件；定期检查存活并重启退出的组件。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/dcr"
	"github.com/linjuya-lu/device-llap-go/internal/frameparser"
	"github.com/linjuya-lu/device-llap-go/internal/message"
	"github.com/linjuya-lu/device-llap-go/internal/serial"
	"github.com/linjuya-lu/device-llap-go/internal/udp"
)

var ErrSerialUnrecoverable = errors.New("serial link unrecoverable")

// State 网桥整体状态
type State int32

const (
	StateRunning State = iota
	StateError
)

func (s State) String() string {
	if s == StateRunning {
		return "Running"
	}
	return "Error"
}

const queueSize = 64

// Bridge 持有所有组件之间的通道。AddUnit/AddObserver 只能在 Run 之前调用。
type Bridge struct {
	cfg config.Config
	lc  logger.LoggingClient

	state atomic.Int32

	mu         sync.RWMutex
	network    string
	dispatcher *udp.Dispatcher

	publish  chan message.Envelope
	toDCR    chan frameparser.Frame
	outbound chan frameparser.Frame
	settings chan message.SettingsChange
	status   chan message.StatusRequest
	sendOn   chan message.SendOnRegistration
	radio    chan message.RadioSettings
	requests chan message.ConfigRequestData
	mgmt     chan *message.BridgeMessage

	started   chan struct{}
	startOnce sync.Once

	link      *serial.Link
	machine   *dcr.Machine
	observers []udp.Observer
	extras    []Unit
	tasks     sync.WaitGroup
}

// Option 调整 Bridge 的构造
type Option func(*bridgeOptions)

type bridgeOptions struct {
	opener serial.Opener
}

// WithOpener 替换打开串口的方式
func WithOpener(open serial.Opener) Option {
	return func(o *bridgeOptions) { o.opener = open }
}

func New(cfg config.Config, lc logger.LoggingClient, opts ...Option) *Bridge {
	o := bridgeOptions{opener: serial.Open}
	for _, opt := range opts {
		opt(&o)
	}
	b := &Bridge{
		cfg:      cfg,
		lc:       lc,
		network:  cfg.UDP.Network,
		publish:  make(chan message.Envelope, queueSize),
		toDCR:    make(chan frameparser.Frame, queueSize),
		outbound: make(chan frameparser.Frame, queueSize),
		settings: make(chan message.SettingsChange, 1),
		status:   make(chan message.StatusRequest, 1),
		sendOn:   make(chan message.SendOnRegistration, queueSize),
		radio:    make(chan message.RadioSettings, 1),
		requests: make(chan message.ConfigRequestData, queueSize),
		mgmt:     make(chan *message.BridgeMessage, queueSize),
		started:  make(chan struct{}),
	}
	b.state.Store(int32(StateError))

	lch := serial.LinkChannels{
		Publish:  b.publish,
		Outbound: b.outbound,
		Settings: b.settings,
		Status:   b.status,
		SendOn:   b.sendOn,
		Radio:    b.radio,
	}
	if cfg.DCR.Enabled {
		lch.ToDCR = b.toDCR
		b.machine = dcr.NewMachine(cfg.DCR, lc, dcr.Channels{
			Requests: b.requests,
			Frames:   b.toDCR,
			Radio:    b.radio,
			Outbound: b.outbound,
			Publish:  b.publish,
		})
	}
	b.link = serial.NewLink(cfg, lc, o.opener, lch)
	return b
}

// AddUnit 登记一个在握手完成后启动的可选组件
func (b *Bridge) AddUnit(u Unit) {
	b.extras = append(b.extras, u)
}

// AddObserver 登记一个在每条上行报文广播之后调用的回调
func (b *Bridge) AddObserver(o udp.Observer) {
	b.observers = append(b.observers, o)
}

// State 返回网桥整体状态
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	if State(b.state.Swap(int32(s))) != s {
		b.lc.Infof("网桥状态: %s", s)
	}
}

// Started 在首次握手完成、全部组件启动后关闭
func (b *Bridge) Started() <-chan struct{} {
	return b.started
}

// Network 返回逻辑网络名，握手前为配置值
func (b *Bridge) Network() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.network
}

// Dispatch 把一条入站 JSON 报文交给与 UDP 监听相同的分发逻辑，握手前丢弃
func (b *Bridge) Dispatch(ctx context.Context, raw []byte) {
	b.mu.RLock()
	d := b.dispatcher
	b.mu.RUnlock()
	if d == nil {
		b.lc.Debug("网桥尚未就绪，丢弃入站报文")
		return
	}
	d.Dispatch(ctx, raw)
}

// SendWireless 向远端设备发送一帧
func (b *Bridge) SendWireless(ctx context.Context, id, payload string) error {
	f, err := frameparser.Encode(id, payload)
	if err != nil {
		return fmt.Errorf("无法发送 %s%s: %w", id, payload, err)
	}
	select {
	case b.outbound <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 向串口协程请求一份状态快照，等待时间受配置限制
func (b *Bridge) Status(ctx context.Context) (message.StatusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Supervisor.StatusTimeout())
	defer cancel()
	req := message.StatusRequest{Reply: make(chan message.StatusSnapshot, 1)}
	select {
	case b.status <- req:
	case <-ctx.Done():
		return message.StatusSnapshot{}, fmt.Errorf("串口协程未响应状态查询: %w", ctx.Err())
	}
	select {
	case snap := <-req.Reply:
		return snap, nil
	case <-ctx.Done():
		return message.StatusSnapshot{}, fmt.Errorf("等待状态快照超时: %w", ctx.Err())
	}
}

// Run 启动全部组件并守护，直到 ctx 取消或出现致命错误。
// 致命错误（握手失败、UDP 端口无法绑定、串口无法恢复）在尝试停止全部组件后返回。
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serialUnit := &handle{unit: NewUnit("serial", b.link.Run)}
	handles := []*handle{serialUnit}
	stop := func(err error) error {
		cancel()
		b.shutdown(handles)
		return err
	}

	network, err := b.awaitSerial(ctx, serialUnit)
	if err != nil {
		return stop(err)
	}
	if network == "" {
		return stop(nil)
	}

	b.mu.Lock()
	b.network = network
	b.dispatcher = udp.NewDispatcher(network, b.lc, b.routes())
	b.mu.Unlock()

	for _, u := range b.units(network) {
		h := &handle{unit: u}
		h.start(ctx)
		handles = append(handles, h)
	}
	b.setState(StateRunning)
	b.startOnce.Do(func() { close(b.started) })
	b.lc.Infof("网桥已启动，网络 %s，%d 个组件", network, len(handles))

	ticker := time.NewTicker(b.cfg.Supervisor.PollInterval())
	defer ticker.Stop()
	serialFailures := 0
	for {
		select {
		case <-ctx.Done():
			return stop(nil)
		case m := <-b.mgmt:
			b.handleBridge(ctx, m)
		case n := <-b.link.Ready():
			serialFailures = 0
			if n != network {
				b.lc.Warnf("串口重连后网络名变为 %s，继续使用 %s", n, network)
			}
			b.refreshState(handles)
		case <-ticker.C:
			for _, h := range handles {
				if !h.dead() {
					continue
				}
				if fatal(h.err) {
					b.lc.Errorf("组件 %s 出现致命错误: %v", h.unit.Name(), h.err)
					return stop(h.err)
				}
				b.setState(StateError)
				b.lc.Errorf("组件 %s 已退出: %v", h.unit.Name(), h.err)
				if h == serialUnit {
					serialFailures++
					if serialFailures > b.cfg.Supervisor.SerialRestartLimit {
						return stop(fmt.Errorf("%w: %v", ErrSerialUnrecoverable, h.err))
					}
				}
				if !sleepCtx(ctx, b.cfg.Supervisor.RestartDelay()) {
					return stop(nil)
				}
				b.lc.Warnf("重启组件 %s", h.unit.Name())
				h.start(ctx)
			}
			if serialFailures == 0 {
				b.refreshState(handles)
			}
		}
	}
}

// awaitSerial 启动串口协程并等待首次握手完成，期间的失败按串口重启策略处理
func (b *Bridge) awaitSerial(ctx context.Context, h *handle) (string, error) {
	failures := 0
	for {
		h.start(ctx)
		select {
		case <-ctx.Done():
			return "", nil
		case network := <-b.link.Ready():
			return network, nil
		case <-h.done:
		}
		if fatal(h.err) {
			return "", h.err
		}
		failures++
		b.lc.Errorf("串口启动失败（第 %d 次）: %v", failures, h.err)
		if failures > b.cfg.Supervisor.SerialRestartLimit {
			return "", fmt.Errorf("%w: %v", ErrSerialUnrecoverable, h.err)
		}
		if !sleepCtx(ctx, b.cfg.Supervisor.RestartDelay()) {
			return "", nil
		}
	}
}

func (b *Bridge) routes() udp.Routes {
	r := udp.Routes{
		Outbound: b.outbound,
		SendOn:   b.sendOn,
		Bridge:   b.mgmt,
	}
	if b.cfg.DCR.Enabled {
		r.Requests = b.requests
	}
	return r
}

func (b *Bridge) units(network string) []Unit {
	var units []Unit
	if b.machine != nil {
		units = append(units, NewUnit("dcr", func(ctx context.Context) error {
			return b.machine.Run(ctx, network)
		}))
	}
	sender := udp.NewSender(b.cfg.UDP, b.lc, b.publish, b.observers...)
	listener := udp.NewListener(b.cfg.UDP, b.lc, b.dispatcher)
	units = append(units,
		NewUnit("udp-send", sender.Run),
		NewUnit("udp-listen", listener.Run),
	)
	return append(units, b.extras...)
}

func (b *Bridge) refreshState(handles []*handle) {
	for _, h := range handles {
		if h.dead() {
			return
		}
	}
	b.setState(StateRunning)
}

// shutdown 等待各组件退出，超过宽限时间的只记录日志
func (b *Bridge) shutdown(handles []*handle) {
	deadline := time.Now().Add(b.cfg.Supervisor.ShutdownGrace())
	for _, h := range handles {
		if h.done == nil {
			continue
		}
		if !h.wait(time.Until(deadline)) {
			b.lc.Warnf("组件 %s 未在宽限时间内退出", h.unit.Name())
		}
	}
	b.tasks.Wait()
	b.setState(StateError)
}

func fatal(err error) bool {
	return errors.Is(err, serial.ErrHandshake) || errors.Is(err, udp.ErrBind)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
