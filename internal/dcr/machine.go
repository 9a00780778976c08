// Package dcr 处理设备配置请求（DeviceConfigurationRequest）：
// 远端设备在配对窗口内周期发送 CONFIGME 信标，网桥借此逐条下发配置查询并收集应答。
package dcr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/google/uuid"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/frameparser"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

// 保留 ID 上使用的关键字
const (
	Beacon        = "CONFIGME"
	KeepAlive     = "HELLO"
	CmdDevType    = "DTY"
	CmdEncryptOn  = "ENC"
	KeyFragmentOK = "ENACK"

	keyFragments   = 6
	keyFragmentLen = 6
)

// 请求的终止状态
const (
	StatePass        = "PASS"
	StateFailRetry   = "FAIL_RETRY"
	StateFailTimeout = "FAIL_TIMEOUT"
)

// Channels DCR 协程使用的通道
type Channels struct {
	Requests <-chan message.ConfigRequestData
	Frames   <-chan frameparser.Frame     // 保留 ID 帧
	Radio    <-chan message.RadioSettings // 电台参数更新，setENC 使用其中的密钥
	Outbound chan<- frameparser.Frame
	Publish  chan<- message.Envelope
}

type job struct {
	data         message.ConfigRequestData
	stack        []message.Query // 栈顶在末尾
	retries      int
	timeout      time.Duration
	lastProgress time.Time
}

// Machine 一次只执行一个请求，其余按到达顺序排队。所有状态只在 Run 协程内修改。
type Machine struct {
	cfg     config.DCRConfig
	lc      logger.LoggingClient
	ch      Channels
	now     func() time.Time
	network string

	queue     []*job
	active    *job
	keepAwake bool
	radio     message.RadioSettings
}

func NewMachine(cfg config.DCRConfig, lc logger.LoggingClient, ch Channels) *Machine {
	return &Machine{cfg: cfg, lc: lc, ch: ch, now: time.Now}
}

// Run 处理请求、保留 ID 帧和超时检查，直到 ctx 取消。
// 队列与当前请求跨重启保留。
func (m *Machine) Run(ctx context.Context, network string) error {
	m.network = network
	interval := m.cfg.PollInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.ch.Requests:
			m.Enqueue(ctx, req)
		case f := <-m.ch.Frames:
			m.HandleFrame(ctx, f)
		case s := <-m.ch.Radio:
			m.radio = s
		case <-ticker.C:
			m.CheckTimeout(ctx)
		}
	}
}

// Enqueue 排队一个请求。缺少 id 时生成 UUID；查询无法成帧的请求立即以 FAIL_RETRY 应答。
func (m *Machine) Enqueue(ctx context.Context, data message.ConfigRequestData) {
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	data.State = ""
	data.Replies = make(map[string]message.QueryReply)

	for _, q := range data.ToQuery {
		if err := checkQuery(q); err != nil {
			m.lc.Warnf("配置请求 %s 中的查询 %s 无效: %v", data.ID, q.Command, err)
			m.reply(ctx, data, StateFailRetry)
			return
		}
	}
	if data.DevType != "" {
		if _, err := frameparser.Encode(frameparser.ReservedID, CmdDevType+data.DevType); err != nil {
			m.lc.Warnf("配置请求 %s 的设备类型 %q 无效", data.ID, data.DevType)
			m.reply(ctx, data, StateFailRetry)
			return
		}
	}

	timeout := time.Duration(data.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout()
	}
	m.queue = append(m.queue, &job{data: data, timeout: timeout})
	m.lc.Debugf("配置请求 %s 已排队，队列长度 %d", data.ID, len(m.queue))
}

func checkQuery(q message.Query) error {
	if q.Command == "" {
		return fmt.Errorf("命令为空")
	}
	payload := q.Command + q.Value
	if len(payload) > frameparser.PayloadLen {
		return fmt.Errorf("%q 超过 %d 字符", payload, frameparser.PayloadLen)
	}
	_, err := frameparser.Encode(frameparser.ReservedID, payload)
	return err
}

// Pending 返回排队中的请求数（不含正在执行的）
func (m *Machine) Pending() int {
	return len(m.queue)
}

// Active 返回正在执行的请求 id
func (m *Machine) Active() (string, bool) {
	if m.active == nil {
		return "", false
	}
	return m.active.data.ID, true
}

// HandleFrame 处理一帧保留 ID 数据
func (m *Machine) HandleFrame(ctx context.Context, f frameparser.Frame) {
	msg := f.Message()
	if m.active == nil {
		if msg != Beacon {
			m.lc.Debugf("无活动请求，忽略 %s", msg)
			return
		}
		if len(m.queue) > 0 {
			m.activate(ctx)
			return
		}
		if m.keepAwake {
			m.send(ctx, KeepAlive)
		}
		return
	}

	j := m.active
	top := j.stack[len(j.stack)-1]
	if matches(top, msg, j.data.DevType) {
		j.data.Replies[top.Command] = message.QueryReply{Value: top.Value, Reply: msg}
		j.stack = j.stack[:len(j.stack)-1]
		j.retries = 0
		j.lastProgress = m.now()
		if len(j.stack) == 0 {
			m.finish(ctx, StatePass)
			return
		}
		m.sendQuery(ctx, j.stack[len(j.stack)-1])
		return
	}

	if j.retries >= m.cfg.QueryRetries {
		m.lc.Infof("配置请求 %s 的查询 %s 重试耗尽", j.data.ID, top.Command)
		m.finish(ctx, StateFailRetry)
		return
	}
	j.retries++
	m.sendQuery(ctx, top)
}

// CheckTimeout 自上次成功应答起超过请求超时时间则以 FAIL_TIMEOUT 结束
func (m *Machine) CheckTimeout(ctx context.Context) {
	if m.active == nil {
		return
	}
	if m.now().Sub(m.active.lastProgress) > m.active.timeout {
		m.lc.Infof("配置请求 %s 超时", m.active.data.ID)
		m.finish(ctx, StateFailTimeout)
	}
}

// activate 取出队首请求并构造执行栈：
// 设备类型确认、加密密钥分片与加密开关、声明的查询，按此顺序执行。
func (m *Machine) activate(ctx context.Context) {
	j := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]

	var stack []message.Query
	for i := len(j.data.ToQuery) - 1; i >= 0; i-- {
		stack = append(stack, j.data.ToQuery[i])
	}
	if j.data.SetENC {
		frags, err := keyQueries(m.radio.EncryptionKey)
		if err != nil {
			m.lc.Warnf("配置请求 %s 需要下发密钥: %v", j.data.ID, err)
			m.reply(ctx, j.data, StateFailRetry)
			return
		}
		stack = append(stack, message.Query{Command: CmdEncryptOn})
		for i := len(frags) - 1; i >= 0; i-- {
			stack = append(stack, frags[i])
		}
	}
	if j.data.DevType != "" {
		stack = append(stack, message.Query{Command: CmdDevType})
	}
	if len(stack) == 0 {
		m.active = j
		m.finish(ctx, StatePass)
		return
	}

	j.stack = stack
	j.lastProgress = m.now()
	m.active = j
	m.lc.Infof("开始执行配置请求 %s，共 %d 条查询", j.data.ID, len(stack))
	m.sendQuery(ctx, stack[len(stack)-1])
}

// keyQueries 把 32 位十六进制密钥拆成 EN1..EN6，每段 6 字符，末段可能不足
func keyQueries(key string) ([]message.Query, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("网桥未配置有效的加密密钥")
	}
	out := make([]message.Query, 0, keyFragments)
	for i := 0; i < keyFragments; i++ {
		start := i * keyFragmentLen
		end := min(start+keyFragmentLen, len(key))
		out = append(out, message.Query{Command: fmt.Sprintf("EN%d", i+1), Value: key[start:end]})
	}
	return out, nil
}

func isKeyFragment(cmd string) bool {
	return len(cmd) == 3 && strings.HasPrefix(cmd, "EN") && cmd[2] >= '1' && cmd[2] <= '6'
}

// matches 判断应答是否对应当前查询。ENACK 可确认任一密钥分片；
// 设备类型应答必须与请求中的类型一致。
func matches(q message.Query, msg, devType string) bool {
	switch {
	case q.Command == CmdDevType:
		want := CmdDevType + devType
		if len(want) > frameparser.PayloadLen {
			want = want[:frameparser.PayloadLen]
		}
		return msg == want
	case isKeyFragment(q.Command) && strings.HasPrefix(msg, KeyFragmentOK):
		return true
	}
	return strings.HasPrefix(msg, q.Command)
}

func (m *Machine) sendQuery(ctx context.Context, q message.Query) {
	m.send(ctx, q.Command+q.Value)
}

func (m *Machine) send(ctx context.Context, payload string) {
	f, err := frameparser.Encode(frameparser.ReservedID, payload)
	if err != nil {
		m.lc.Errorf("无法构造配置帧 %q: %v", payload, err)
		return
	}
	select {
	case m.ch.Outbound <- f:
	case <-ctx.Done():
	}
}

func (m *Machine) finish(ctx context.Context, state string) {
	j := m.active
	m.active = nil
	m.keepAwake = bool(j.data.KeepAwake)
	m.lc.Infof("配置请求 %s 结束: %s", j.data.ID, state)
	m.reply(ctx, j.data, state)
}

func (m *Machine) reply(ctx context.Context, data message.ConfigRequestData, state string) {
	data.State = state
	select {
	case m.ch.Publish <- message.NewConfigReply(m.network, data):
	case <-ctx.Done():
	}
}
