package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/devicestore"
	"github.com/linjuya-lu/device-llap-go/internal/message"
	"github.com/linjuya-lu/device-llap-go/internal/serial"
)

// stubRadio 对 +++ 和所有查询都应答，silent 时不应答
type stubRadio struct {
	mu       sync.Mutex
	rx       []byte
	silent   bool
	closed   bool
	failRead bool
}

// breakRead 让之后的读操作失败，模拟串口被拔出
func (p *stubRadio) breakRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRead = true
}

func (p *stubRadio) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.failRead {
		p.mu.Unlock()
		return 0, errors.New("input/output error")
	}
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("closed")
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

func (p *stubRadio) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silent {
		return len(b), nil
	}
	cmd := string(b)
	switch {
	case cmd == serial.CmdEnter:
		p.rx = append(p.rx, "OK\r"...)
	case cmd == serial.CmdSerial+"\r":
		p.rx = append(p.rx, "00A1\rOK\r"...)
	case strings.HasSuffix(cmd, "\r") && len(cmd) == 5:
		p.rx = append(p.rx, "1\rOK\r"...)
	case strings.HasSuffix(cmd, "\r"):
		p.rx = append(p.rx, "OK\r"...)
	}
	return len(b), nil
}

func (p *stubRadio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *stubRadio) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	return nil
}

func (p *stubRadio) SetReadTimeout(time.Duration) error { return nil }
func (p *stubRadio) SetDTR(bool) error                  { return nil }
func (p *stubRadio) SetRTS(bool) error                  { return nil }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Serial.ATTimeoutMs = 30
	cfg.Serial.GuardTimeMs = 1
	cfg.Serial.ATRetries = 1
	cfg.Serial.HandshakeRetries = 1
	cfg.Serial.NetworkFromSerial = true
	cfg.UDP.ListenPort = 0
	cfg.UDP.BroadcastAddr = "127.0.0.1"
	cfg.Supervisor.PollIntervalMs = 10
	cfg.Supervisor.RestartDelayMs = 1
	cfg.Supervisor.SerialRestartLimit = 2
	cfg.Supervisor.ShutdownGraceMs = 1000
	return cfg
}

func TestBridgeRunStatusAndShutdown(t *testing.T) {
	b := New(testConfig(), logger.NewMockClient(), WithOpener(func(string, int, time.Duration) (serial.Port, error) {
		return &stubRadio{}, nil
	}))
	replies := make(chan *message.BridgeMessage, 4)
	b.AddObserver(func(env message.Envelope, _ []byte) {
		if m, ok := env.(*message.BridgeMessage); ok {
			replies <- m
		}
	})
	extra := make(chan struct{})
	b.AddUnit(NewUnit("extra", func(ctx context.Context) error {
		close(extra)
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case <-extra:
	case <-time.After(3 * time.Second):
		t.Fatal("optional unit not started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.State() != StateRunning || b.Network() != "00A1" {
		t.Fatalf("state = %s network = %q", b.State(), b.Network())
	}

	snap, err := b.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if snap.Info.SerialNumber != "00A1" || snap.Settings.PANID != "1" {
		t.Errorf("snapshot = %+v", snap)
	}

	b.Dispatch(ctx, []byte(`{"type":"MessageBridge","network":"ALL","data":{"id":"q1","request":["PANID","network","bogus"]}}`))
	select {
	case m := <-replies:
		if m.State != "Running" || m.Network != "00A1" || m.Data.ID != "q1" {
			t.Errorf("reply = %+v", m)
		}
		if m.Data.Result["PANID"] != "1" || m.Data.Result["network"] != "00A1" || len(m.Data.Result) != 2 {
			t.Errorf("result = %v", m.Data.Result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no status reply broadcast")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBridgeSerialUnrecoverable(t *testing.T) {
	var opens int
	b := New(testConfig(), logger.NewMockClient(), WithOpener(func(string, int, time.Duration) (serial.Port, error) {
		opens++
		return nil, errors.New("no such device")
	}))
	err := b.Run(context.Background())
	if !errors.Is(err, ErrSerialUnrecoverable) {
		t.Fatalf("Run() = %v, want ErrSerialUnrecoverable", err)
	}
	if opens != 3 {
		t.Errorf("opened %d times, want limit+1", opens)
	}
}

func TestBridgeHandshakeFailureIsFatal(t *testing.T) {
	b := New(testConfig(), logger.NewMockClient(), WithOpener(func(string, int, time.Duration) (serial.Port, error) {
		return &stubRadio{silent: true}, nil
	}))
	if err := b.Run(context.Background()); !errors.Is(err, serial.ErrHandshake) {
		t.Fatalf("Run() = %v, want ErrHandshake", err)
	}
	if b.State() != StateError {
		t.Errorf("state = %s", b.State())
	}
}

func TestStatusResult(t *testing.T) {
	b := New(testConfig(), logger.NewMockClient())
	snap := message.StatusSnapshot{
		Settings:     message.RadioSettings{PANID: "5AA5", EncryptionEnabled: true},
		Info:         message.RadioInfo{FirmwareVersion: "0.61", SerialNumber: "004A11"},
		DeviceStore:  map[string]devicestore.Entry{"MA": {Payload: "TEMP21.5"}},
		SendOnActive: []string{"MB"},
	}
	res := b.StatusResult(snap, []string{KeyDeviceStore, KeyPANID, KeyEncryptionSet, KeyVersion, KeyFirmware, KeySerialNumber, KeySendOnActive})
	if len(res) != 7 {
		t.Fatalf("result = %v", res)
	}
	if res[KeyPANID] != "5AA5" || res[KeyEncryptionSet] != true || res[KeyFirmware] != "0.61" || res[KeySerialNumber] != "004A11" {
		t.Errorf("result = %v", res)
	}
	if store, ok := res[KeyDeviceStore].(map[string]devicestore.Entry); !ok || store["MA"].Payload != "TEMP21.5" {
		t.Errorf("deviceStore = %v", res[KeyDeviceStore])
	}
}

func TestSettingsChangeReply(t *testing.T) {
	b := New(testConfig(), logger.NewMockClient())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		change := <-b.settings
		if change.Set.PANID == nil || *change.Set.PANID != "BEEF" {
			t.Errorf("change = %+v", change.Set)
		}
		change.Reply <- message.SettingsResult{"PANID": true, "encryptionSet": false}
	}()

	pan, enc := "BEEF", true
	b.handleBridge(ctx, &message.BridgeMessage{Data: message.BridgeData{
		ID:  "s1",
		Set: &message.SettingsSet{PANID: &pan, EncryptionSet: &enc},
	}})

	select {
	case env := <-b.publish:
		m := env.(*message.BridgeMessage)
		if m.Data.ID != "s1" || m.Data.Result["PANID"] != "PASS" || m.Data.Result["encryptionSet"] != "FAIL" {
			t.Errorf("reply = %+v", m.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no settings reply")
	}
	b.tasks.Wait()
}

func TestUnitPanicIsRecovered(t *testing.T) {
	h := &handle{unit: NewUnit("boom", func(context.Context) error { panic("bad state") })}
	h.start(context.Background())
	if !h.wait(time.Second) {
		t.Fatal("unit did not exit")
	}
	if h.err == nil || !strings.Contains(h.err.Error(), "bad state") {
		t.Errorf("err = %v", h.err)
	}
	if !h.dead() {
		t.Error("dead() = false after exit")
	}
}

func waitState(t *testing.T, b *Bridge, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for b.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", b.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBridgeRestartsSerialAfterReadError(t *testing.T) {
	first := &stubRadio{}
	gate := make(chan struct{})
	var opens atomic.Int32
	b := New(testConfig(), logger.NewMockClient(), WithOpener(func(string, int, time.Duration) (serial.Port, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		<-gate
		return &stubRadio{}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return")
		}
	}()

	select {
	case <-b.Started():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge not started")
	}
	waitState(t, b, StateRunning)

	first.breakRead()
	deadline := time.Now().Add(3 * time.Second)
	for opens.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("serial port not reopened")
		}
		time.Sleep(2 * time.Millisecond)
	}
	// 重新打开的串口尚未完成握手
	if s := b.State(); s != StateError {
		t.Errorf("state during restart = %s, want Error", s)
	}

	close(gate)
	waitState(t, b, StateRunning)
	if n := opens.Load(); n != 2 {
		t.Errorf("opened %d times, want 2", n)
	}
}

func TestBridgeSerialUnrecoverableAfterStart(t *testing.T) {
	first := &stubRadio{}
	var opens atomic.Int32
	b := New(testConfig(), logger.NewMockClient(), WithOpener(func(string, int, time.Duration) (serial.Port, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("no such device")
	}))

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	select {
	case <-b.Started():
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge not started")
	}

	first.breakRead()
	select {
	case err := <-done:
		if !errors.Is(err, ErrSerialUnrecoverable) {
			t.Fatalf("Run() = %v, want ErrSerialUnrecoverable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up on the serial port")
	}
	// 首次打开加上 serialRestartLimit 次重启
	if n := opens.Load(); n != 3 {
		t.Errorf("opened %d times, want 3", n)
	}
	if b.State() != StateError {
		t.Errorf("state = %s", b.State())
	}
}
