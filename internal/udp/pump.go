package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

var ErrBind = errors.New("cannot bind udp listen port")

// Observer 在报文广播之后收到报文及其序列化结果
type Observer func(env message.Envelope, raw []byte)

// Sender 从队列取出报文并广播，多个组件共用同一个输入队列
type Sender struct {
	cfg       config.UDPConfig
	lc        logger.LoggingClient
	in        <-chan message.Envelope
	observers []Observer
}

func NewSender(cfg config.UDPConfig, lc logger.LoggingClient, in <-chan message.Envelope, observers ...Observer) *Sender {
	return &Sender{cfg: cfg, lc: lc, in: in, observers: observers}
}

func (s *Sender) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("创建 UDP 发送套接字失败: %w", err)
	}
	defer conn.Close()

	primary := &net.UDPAddr{IP: net.ParseIP(s.cfg.BroadcastAddr), Port: s.cfg.SendPort}
	fallback := &net.UDPAddr{IP: net.ParseIP(s.cfg.FallbackAddr), Port: s.cfg.SendPort}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.in:
			s.send(conn, primary, fallback, env)
		}
	}
}

// send 主广播地址不可达时改发本地广播地址一次，仍失败只记录日志
func (s *Sender) send(conn net.PacketConn, primary, fallback *net.UDPAddr, env message.Envelope) {
	raw, err := message.Encode(env)
	if err != nil {
		s.lc.Errorf("序列化报文失败: %v", err)
		return
	}
	_, err = conn.WriteTo(raw, primary)
	if err != nil && unreachable(err) && fallback.IP != nil {
		s.lc.Debugf("%s 不可达，改发 %s", primary, fallback)
		_, err = conn.WriteTo(raw, fallback)
	}
	if err != nil {
		s.lc.Errorf("广播报文失败: %v", err)
	}
	for _, o := range s.observers {
		o(env, raw)
	}
}

func unreachable(err error) bool {
	return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH)
}

// Listener 监听客户端报文
type Listener struct {
	cfg config.UDPConfig
	lc  logger.LoggingClient
	d   *Dispatcher
}

func NewListener(cfg config.UDPConfig, lc logger.LoggingClient, d *Dispatcher) *Listener {
	return &Listener{cfg: cfg, lc: lc, d: d}
}

// Run 绑定监听端口，绑定失败返回 ErrBind。读超时用于及时响应 ctx 取消。
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: l.cfg.ListenPort})
	if err != nil {
		return fmt.Errorf("%w %d: %v", ErrBind, l.cfg.ListenPort, err)
	}
	defer conn.Close()
	l.lc.Infof("UDP 监听端口 %d", l.cfg.ListenPort)

	poll := l.cfg.PollTimeout()
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
			return err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("UDP 接收失败: %w", err)
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.d.Dispatch(ctx, raw)
	}
}
