package serial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/devicestore"
	"github.com/linjuya-lu/device-llap-go/internal/frameparser"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

var ErrHandshake = errors.New("radio handshake failed")

// 每轮读串口之后最多处理的队列消息数，避免读被饿死
const serviceBatch = 32

// LinkChannels 串口协程与其他组件之间的通道
type LinkChannels struct {
	ToDCR    chan<- frameparser.Frame // 保留 ID 帧，DCR 未启用时为 nil
	Publish  chan<- message.Envelope  // 上行报文
	Outbound <-chan frameparser.Frame // 待发送的无线帧
	Settings <-chan message.SettingsChange
	Status   <-chan message.StatusRequest
	SendOn   <-chan message.SendOnRegistration
	Radio    chan message.RadioSettings // 最新电台参数，容量 1，只保留最新值
}

// Link 独占串口。设备表、sendOn 规则和电台参数镜像都只在 Run 所在协程中修改，
// 跨越重启保留。
type Link struct {
	cfg        config.SerialConfig
	dcrEnabled bool
	lc         logger.LoggingClient
	open       Opener
	ch         LinkChannels
	now        func() time.Time
	sleep      func(time.Duration)

	ready chan string

	store   *devicestore.Store
	rules   *devicestore.Rules
	radio   message.RadioSettings
	info    message.RadioInfo
	network string
}

func NewLink(cfg config.Config, lc logger.LoggingClient, open Opener, ch LinkChannels) *Link {
	if open == nil {
		open = Open
	}
	return &Link{
		cfg:        cfg.Serial,
		dcrEnabled: cfg.DCR.Enabled,
		lc:         lc,
		open:       open,
		ch:         ch,
		now:        time.Now,
		sleep:      time.Sleep,
		ready:      make(chan string, 1),
		store:      devicestore.New(),
		rules:      devicestore.NewRules(),
		network:    cfg.UDP.Network,
	}
}

// Ready 每次握手成功后送出逻辑网络名
func (l *Link) Ready() <-chan string {
	return l.ready
}

// Run 打开串口、完成握手后进入收发循环，直到 ctx 取消或串口出错。
// 握手失败返回 ErrHandshake。
func (l *Link) Run(ctx context.Context) error {
	port, err := l.open(l.cfg.Port, l.cfg.BaudRate, l.cfg.ReadTimeout())
	if err != nil {
		return err
	}
	defer port.Close()

	session := NewATSession(port, l.lc, ATOptions{
		Line:    ParseControlLine(l.cfg.CommandLine),
		Timeout: l.cfg.ATTimeout(),
		Guard:   l.cfg.GuardTime(),
		Retries: l.cfg.ATRetries,
	})
	session.sleep = l.sleep
	if err := l.handshake(ctx, session); err != nil {
		return err
	}
	l.lc.Infof("串口 %s 已就绪，电台固件 %s，序列号 %s，网络 %s",
		l.cfg.Port, l.info.FirmwareVersion, l.info.SerialNumber, l.network)
	l.announce()

	dec := &frameparser.Decoder{}
	buf := make([]byte, 128)
	var frames []frameparser.Frame
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(buf)
		if err != nil {
			return fmt.Errorf("读串口 %s 失败: %w", l.cfg.Port, err)
		}
		if n > 0 {
			dec.Write(buf[:n])
			frames = frames[:0]
			if bad := dec.Drain(func(f frameparser.Frame) { frames = append(frames, f) }); bad > 0 {
				l.lc.Debugf("丢弃 %d 个非法帧", bad)
			}
			for _, f := range frames {
				if err := l.route(ctx, port, f); err != nil {
					return err
				}
			}
		} else if dec.Pending() > 0 {
			if err := dec.Flush(); err != nil {
				l.lc.Debugf("串口空闲，丢弃不完整帧: %v", err)
			}
		}
		if err := l.service(ctx, port, session); err != nil {
			return err
		}
	}
}

func (l *Link) handshake(ctx context.Context, s *ATSession) error {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.HandshakeRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = s.WithCommandMode(func() error { return l.readRadio(s) })
		if lastErr == nil {
			return nil
		}
		l.lc.Warnf("电台握手第 %d/%d 次失败: %v", attempt, l.cfg.HandshakeRetries, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrHandshake, lastErr)
}

// readRadio 读取电台信息与参数，必要时强制设置链路寻址模式
func (l *Link) readRadio(s *ATSession) error {
	fw, err := l.query(s, CmdFirmware)
	if err != nil {
		return err
	}
	sn, err := l.query(s, CmdSerial)
	if err != nil {
		return err
	}
	mode, err := l.query(s, CmdLinkMode)
	if err != nil {
		return err
	}
	if l.cfg.LinkMode != "" && mode != l.cfg.LinkMode {
		l.lc.Infof("电台链路模式为 %s，改为 %s", mode, l.cfg.LinkMode)
		for _, cmd := range []string{CmdLinkMode + l.cfg.LinkMode, CmdApply, CmdCommit} {
			if err := l.expectOK(s, cmd); err != nil {
				return err
			}
		}
	}
	pan, err := l.query(s, CmdPANID)
	if err != nil {
		return err
	}
	enc, err := l.query(s, CmdEncrypt)
	if err != nil {
		return err
	}
	// 部分固件不回读密钥
	key, ok, err := s.SendAndExpectValue(CmdKey, l.cfg.ATTimeout(), l.cfg.ATRetries)
	if err != nil {
		return err
	}
	if !ok {
		l.lc.Debug("电台未返回加密密钥")
	}

	l.info = message.RadioInfo{FirmwareVersion: fw, SerialNumber: sn}
	l.radio = message.RadioSettings{PANID: pan, EncryptionEnabled: enc == "1", EncryptionKey: key}
	if l.cfg.NetworkFromSerial && sn != "" {
		l.network = sn
	}
	return nil
}

func (l *Link) query(s *ATSession, cmd string) (string, error) {
	v, ok, err := s.SendAndExpectValue(cmd, l.cfg.ATTimeout(), l.cfg.ATRetries)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoOK, cmd)
	}
	return v, nil
}

func (l *Link) expectOK(s *ATSession, cmd string) error {
	ok, err := s.SendAndExpectOK(cmd, l.cfg.ATTimeout(), l.cfg.ATRetries)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoOK, cmd)
	}
	return nil
}

func (l *Link) announce() {
	select {
	case <-l.ready:
	default:
	}
	l.ready <- l.network
	l.pushRadio()
}

// pushRadio 用最新参数替换通道中的旧值
func (l *Link) pushRadio() {
	if l.ch.Radio == nil {
		return
	}
	select {
	case <-l.ch.Radio:
	default:
	}
	select {
	case l.ch.Radio <- l.radio:
	default:
	}
}

// route 分发一帧：保留 ID 交给 DCR，其余更新设备表、匹配 sendOn 并上报
func (l *Link) route(ctx context.Context, port Port, f frameparser.Frame) error {
	if f.ID == frameparser.ReservedID && l.dcrEnabled && l.ch.ToDCR != nil {
		// DCR 协程可能正阻塞在 Outbound 上，而 Outbound 只由本协程消费
		select {
		case l.ch.ToDCR <- f:
		default:
			l.lc.Debugf("DCR 队列已满，丢弃 %s", f)
		}
		return nil
	}

	msg := f.Message()
	l.store.Update(f.ID, msg, l.now())
	if send, ok := l.rules.Match(f.ID, msg); ok {
		reply, err := frameparser.Encode(f.ID, send)
		if err != nil {
			l.lc.Warnf("sendOn 应答 %s%s 无法成帧: %v", f.ID, send, err)
		} else if err := l.write(port, reply); err != nil {
			return err
		}
	}
	l.publish(ctx, message.NewWireless(l.network, f.ID, msg))
	return nil
}

func (l *Link) publish(ctx context.Context, env message.Envelope) {
	select {
	case l.ch.Publish <- env:
	case <-ctx.Done():
	}
}

func (l *Link) write(port Port, f frameparser.Frame) error {
	if _, err := port.Write(f.Bytes()); err != nil {
		return fmt.Errorf("写串口 %s 失败: %w", l.cfg.Port, err)
	}
	return nil
}

// service 非阻塞地处理各请求队列
func (l *Link) service(ctx context.Context, port Port, s *ATSession) error {
	for i := 0; i < serviceBatch; i++ {
		select {
		case change := <-l.ch.Settings:
			if err := l.applySettings(s, change); err != nil {
				return err
			}
		case req := <-l.ch.Status:
			select {
			case req.Reply <- l.snapshot():
			default:
			}
		case reg := <-l.ch.SendOn:
			for _, r := range reg.Rules {
				l.rules.Add(reg.ID, r)
			}
			l.lc.Debugf("设备 %s 登记 %d 条 sendOn 规则", reg.ID, len(reg.Rules))
		case f := <-l.ch.Outbound:
			if err := l.write(port, f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		default:
			return nil
		}
	}
	return nil
}

func (l *Link) snapshot() message.StatusSnapshot {
	return message.StatusSnapshot{
		Settings:     l.radio,
		Info:         l.info,
		DeviceStore:  l.store.Snapshot(),
		SendOnActive: l.rules.Active(),
		At:           l.now(),
	}
}

// applySettings 在命令模式下逐项比较并修改电台参数，有修改时应用并写入闪存。
// 只有串口 I/O 错误会返回，此时已回复失败结果。
func (l *Link) applySettings(s *ATSession, change message.SettingsChange) error {
	set := change.Set
	result := message.SettingsResult{}
	next := l.radio
	changed := false

	err := s.WithCommandMode(func() error {
		if set.PANID != nil {
			want := strings.ToUpper(*set.PANID)
			ok, c, err := l.compareAndSet(s, CmdPANID, want, isHex(want, 4))
			if err != nil {
				return err
			}
			result["PANID"] = ok
			changed = changed || c
			if ok {
				next.PANID = want
			}
		}
		if set.EncryptionSet != nil {
			want := "0"
			if *set.EncryptionSet {
				want = "1"
			}
			ok, c, err := l.compareAndSet(s, CmdEncrypt, want, true)
			if err != nil {
				return err
			}
			result["encryptionSet"] = ok
			changed = changed || c
			if ok {
				next.EncryptionEnabled = *set.EncryptionSet
			}
		}
		if set.EncryptionKey != nil {
			want := strings.ToUpper(*set.EncryptionKey)
			ok, c, err := l.compareAndSet(s, CmdKey, want, isHex(want, 32))
			if err != nil {
				return err
			}
			result["encryptionKey"] = ok
			changed = changed || c
			if ok {
				next.EncryptionKey = want
			}
		}
		if !changed {
			return nil
		}
		if err := l.expectOK(s, CmdApply); err != nil {
			return err
		}
		return l.expectOK(s, CmdCommit)
	})

	if err != nil {
		if set.PANID != nil {
			result["PANID"] = false
		}
		if set.EncryptionSet != nil {
			result["encryptionSet"] = false
		}
		if set.EncryptionKey != nil {
			result["encryptionKey"] = false
		}
	} else {
		l.radio = next
		l.pushRadio()
	}
	if change.Reply != nil {
		select {
		case change.Reply <- result:
		default:
		}
	}
	if err != nil && !errors.Is(err, ErrNoOK) {
		return err
	}
	if err != nil {
		l.lc.Warnf("修改电台参数失败: %v", err)
	}
	return nil
}

// compareAndSet 当前值与目标不同时写入并回读校验，返回是否成功及是否发生了修改
func (l *Link) compareAndSet(s *ATSession, cmd, want string, valid bool) (ok, changed bool, err error) {
	if !valid {
		l.lc.Warnf("拒绝无效的 %s 参数 %q", cmd, want)
		return false, false, nil
	}
	timeout, retries := l.cfg.ATTimeout(), l.cfg.ATRetries
	cur, got, err := s.SendAndExpectValue(cmd, timeout, retries)
	if err != nil {
		return false, false, err
	}
	if got && strings.EqualFold(cur, want) {
		return true, false, nil
	}
	if ok, err = s.SendAndExpectOK(cmd+want, timeout, retries); err != nil || !ok {
		return false, false, err
	}
	cur, got, err = s.SendAndExpectValue(cmd, timeout, retries)
	if err != nil {
		return false, true, err
	}
	switch {
	case !got && cmd == CmdKey:
		// 部分固件不回读密钥，写入成功即视为生效
		return true, true, nil
	case !got:
		l.lc.Warnf("%s 写入后无法回读", cmd)
		return false, true, nil
	case !strings.EqualFold(cur, want):
		l.lc.Warnf("%s 回读为 %q，期望 %q", cmd, cur, want)
		return false, true, nil
	}
	return true, true, nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
