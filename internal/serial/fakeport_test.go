package serial

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// fakePort 模拟电台：每次 Write 之后由 respond 决定回送的字节
type fakePort struct {
	mu       sync.Mutex
	rx       []byte
	writes   []string
	respond  func(written string) string
	readErr  error
	writeErr error
	dtr, rts bool
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.rx) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	s := string(b)
	p.writes = append(p.writes, s)
	if p.respond != nil {
		p.rx = append(p.rx, p.respond(s)...)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) SetDTR(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = on
	return nil
}

func (p *fakePort) SetRTS(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = on
	return nil
}

// inject 模拟电台收到一帧无线数据
func (p *fakePort) inject(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, data...)
}

func (p *fakePort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// radio 是一个按命令应答的电台模型
type radio struct {
	mu       sync.Mutex
	inMode   bool
	silent   bool // 对 +++ 不应答
	values   map[string]string
	failCmds map[string]bool
	noRead   map[string]bool // 写入后不再回读该参数
}

func newRadio() *radio {
	return &radio{values: map[string]string{
		CmdFirmware: "0.61",
		CmdSerial:   "004A11",
		CmdLinkMode: "1",
		CmdPANID:    "5AA5",
		CmdEncrypt:  "0",
		CmdKey:      "00112233445566778899AABBCCDDEEFF",
	}}
}

func (r *radio) respond(written string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if written == CmdEnter {
		if r.silent {
			return ""
		}
		r.inMode = true
		return "OK\r"
	}
	if !r.inMode || !strings.HasSuffix(written, "\r") {
		return ""
	}
	cmd := strings.TrimSuffix(written, "\r")
	if r.failCmds[cmd] {
		return "ERR\r"
	}
	switch {
	case cmd == CmdExit:
		r.inMode = false
		return "OK\r"
	case cmd == CmdApply || cmd == CmdCommit:
		return "OK\r"
	}
	if len(cmd) > 4 {
		r.values[cmd[:4]] = cmd[4:]
		if r.noRead[cmd[:4]] {
			r.values[cmd[:4]] = ""
		}
		return "OK\r"
	}
	if v, ok := r.values[cmd]; ok {
		if v == "" {
			return "OK\r"
		}
		return v + "\rOK\r"
	}
	return "ERR\r"
}

func (r *radio) value(cmd string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[cmd]
}
