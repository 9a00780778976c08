package serial

import (
	"errors"
	"fmt"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
)

// 本地电台命令模式使用的 AT 子集，应答为 '\r' 结尾的文本行
const (
	CmdEnter    = "+++"
	CmdExit     = "ATDN"
	CmdPANID    = "ATID"
	CmdEncrypt  = "ATEE"
	CmdKey      = "ATEK"
	CmdFirmware = "ATVR"
	CmdSerial   = "ATSN"
	CmdLinkMode = "ATLM"
	CmdApply    = "ATAC"
	CmdCommit   = "ATWR"

	// cmdProbe 在 +++ 无应答时探测电台是否已处于命令模式
	cmdProbe = "ATVR"

	RespOK  = "OK"
	RespErr = "ERR"
)

var (
	ErrNotInCommandMode = errors.New("radio not in command mode")
	ErrNoOK             = errors.New("radio did not answer OK")
	errReadTimeout      = errors.New("read timeout")
)

// SessionState 命令模式会话状态
type SessionState int

const (
	StateIdle SessionState = iota
	StateEntering
	StateInMode
	StateLeaving
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateEntering:
		return "EnteringMode"
	case StateInMode:
		return "InMode"
	case StateLeaving:
		return "LeavingMode"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// ControlLine 用于进入命令模式的硬件控制线
type ControlLine int

const (
	LineNone ControlLine = iota
	LineDTR
	LineRTS
)

// ParseControlLine 解析配置中的 none/dtr/rts
func ParseControlLine(s string) ControlLine {
	switch s {
	case "dtr":
		return LineDTR
	case "rts":
		return LineRTS
	}
	return LineNone
}

// ATOptions 命令模式会话参数
type ATOptions struct {
	Line    ControlLine
	Timeout time.Duration // 等待 OK 的时间
	Guard   time.Duration // +++ 前后的静默时间
	Retries int           // 自动进入命令模式时的尝试次数
}

// ATSession 是与本地电台的同步请求/应答会话：Idle → EnteringMode → InMode → LeavingMode → Idle。
// 只能在串口协程内使用，避免命令模式字节与常规帧交错。
type ATSession struct {
	port  Port
	lc    logger.LoggingClient
	opts  ATOptions
	state SessionState
	sleep func(time.Duration)
}

func NewATSession(port Port, lc logger.LoggingClient, opts ATOptions) *ATSession {
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	if opts.Guard <= 0 {
		opts.Guard = 1100 * time.Millisecond
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	return &ATSession{port: port, lc: lc, opts: opts, sleep: time.Sleep}
}

// State 返回当前会话状态
func (s *ATSession) State() SessionState {
	return s.state
}

// Enter 进入命令模式，最多尝试 maxRetries 次。
// 配置了硬件控制线时拉高控制线代替 +++ 转义序列。
func (s *ATSession) Enter(maxRetries int) error {
	if s.state == StateInMode {
		return nil
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		s.state = StateEntering
		ok, err := s.tryEnter()
		if err != nil {
			s.state = StateIdle
			return err
		}
		if ok {
			s.state = StateInMode
			return nil
		}
		s.lc.Debugf("进入命令模式第 %d/%d 次未收到 OK", attempt, maxRetries)
	}
	if s.opts.Line != LineNone {
		_ = s.setLine(false)
	}
	s.state = StateIdle
	return ErrNoOK
}

func (s *ATSession) tryEnter() (bool, error) {
	if s.opts.Line != LineNone {
		if err := s.setLine(true); err != nil {
			return false, err
		}
		s.sleep(s.opts.Guard / 10)
		return s.probe()
	}

	if err := s.port.ResetInputBuffer(); err != nil {
		return false, fmt.Errorf("清空串口输入失败: %w", err)
	}
	s.sleep(s.opts.Guard)
	if err := s.write(CmdEnter); err != nil {
		return false, err
	}
	ok, err := s.waitOK(s.opts.Timeout)
	if err != nil || ok {
		return ok, err
	}
	// 可能已经在命令模式中，+++ 不会再应答
	return s.probe()
}

func (s *ATSession) probe() (bool, error) {
	if err := s.port.ResetInputBuffer(); err != nil {
		return false, fmt.Errorf("清空串口输入失败: %w", err)
	}
	if err := s.write(cmdProbe + "\r"); err != nil {
		return false, err
	}
	return s.waitOK(s.opts.Timeout)
}

// SendCommand 在命令模式下发送一条命令（自动追加 '\r'）
func (s *ATSession) SendCommand(cmd string) error {
	if s.state != StateInMode {
		return ErrNotInCommandMode
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("清空串口输入失败: %w", err)
	}
	return s.write(cmd + "\r")
}

// SendAndExpectOK 发送命令直到收到 OK 或 ERR，或重试耗尽。
// 未处于命令模式时先自动进入；串口错误时先尝试退出命令模式再返回错误。
func (s *ATSession) SendAndExpectOK(cmd string, timeout time.Duration, retries int) (bool, error) {
	if err := s.Enter(s.opts.Retries); err != nil {
		return false, err
	}
	for i := 0; i < retries; i++ {
		if err := s.SendCommand(cmd); err != nil {
			return false, s.abort(err)
		}
		lines, err := s.readLines(timeout)
		if err != nil && !errors.Is(err, errReadTimeout) {
			return false, s.abort(err)
		}
		switch last(lines) {
		case RespOK:
			return true, nil
		case RespErr:
			s.lc.Debugf("AT 命令 %s 返回 ERR", cmd)
			return false, nil
		}
	}
	return false, nil
}

// SendAndExpectValue 发送查询命令，应答第一行为取值，且其后必须跟一行 OK 才算有效
func (s *ATSession) SendAndExpectValue(cmd string, timeout time.Duration, retries int) (string, bool, error) {
	if err := s.Enter(s.opts.Retries); err != nil {
		return "", false, err
	}
	for i := 0; i < retries; i++ {
		if err := s.SendCommand(cmd); err != nil {
			return "", false, s.abort(err)
		}
		lines, err := s.readLines(timeout)
		if err != nil && !errors.Is(err, errReadTimeout) {
			return "", false, s.abort(err)
		}
		switch {
		case last(lines) == RespErr:
			s.lc.Debugf("AT 查询 %s 返回 ERR", cmd)
			return "", false, nil
		case len(lines) >= 2 && last(lines) == RespOK && lines[0] != RespOK:
			return lines[0], true, nil
		}
	}
	return "", false, nil
}

// Leave 退出命令模式。无论退出命令是否成功，状态都回到 Idle。
func (s *ATSession) Leave() error {
	if s.state == StateIdle {
		return nil
	}
	s.state = StateLeaving
	defer func() { s.state = StateIdle }()

	if s.opts.Line != LineNone {
		return s.setLine(false)
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("清空串口输入失败: %w", err)
	}
	if err := s.write(CmdExit + "\r"); err != nil {
		return err
	}
	if _, err := s.waitOK(s.opts.Timeout); err != nil {
		return err
	}
	return nil
}

// WithCommandMode 在命令模式中执行 fn，结束后总会尝试退出命令模式
func (s *ATSession) WithCommandMode(fn func() error) error {
	if err := s.Enter(s.opts.Retries); err != nil {
		return err
	}
	err := fn()
	if lerr := s.Leave(); lerr != nil {
		s.lc.Warnf("退出命令模式失败: %v", lerr)
		if err == nil {
			err = lerr
		}
	}
	return err
}

func (s *ATSession) abort(err error) error {
	if lerr := s.Leave(); lerr != nil {
		s.lc.Debugf("出错后退出命令模式失败: %v", lerr)
	}
	return err
}

func (s *ATSession) write(data string) error {
	if _, err := s.port.Write([]byte(data)); err != nil {
		return fmt.Errorf("写串口失败: %w", err)
	}
	return nil
}

func (s *ATSession) setLine(on bool) error {
	var err error
	switch s.opts.Line {
	case LineDTR:
		err = s.port.SetDTR(on)
	case LineRTS:
		err = s.port.SetRTS(on)
	}
	if err != nil {
		return fmt.Errorf("设置命令模式控制线失败: %w", err)
	}
	return nil
}

// waitOK 等待 OK；收到 ERR 或超时返回 false
func (s *ATSession) waitOK(timeout time.Duration) (bool, error) {
	lines, err := s.readLines(timeout)
	if err != nil && !errors.Is(err, errReadTimeout) {
		return false, err
	}
	return last(lines) == RespOK, nil
}

// readLines 读取应答行，直到出现 OK/ERR 终止行或超时
func (s *ATSession) readLines(timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	var lines []string
	var cur []byte
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(buf)
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				cur = append(cur, b)
				continue
			}
			if len(cur) == 0 {
				continue
			}
			line := string(cur)
			cur = cur[:0]
			lines = append(lines, line)
			if line == RespOK || line == RespErr {
				return lines, nil
			}
		}
		if err != nil {
			return lines, fmt.Errorf("读串口失败: %w", err)
		}
	}
	return lines, errReadTimeout
}

func last(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
