// Package udp 实现网桥的 UDP 广播总线：发送协程把 JSON 报文广播到发送端口，
// 监听协程接收客户端报文并按 type 分发。
package udp

import (
	"context"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/devicestore"
	"github.com/linjuya-lu/device-llap-go/internal/frameparser"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

// Routes 分发目标。Requests 为 nil 表示未启用 DCR。
type Routes struct {
	Outbound chan<- frameparser.Frame
	SendOn   chan<- message.SendOnRegistration
	Requests chan<- message.ConfigRequestData
	Bridge   chan<- *message.BridgeMessage
}

// Dispatcher 解析入站报文并投递到对应组件，UDP 监听与 MQTT 镜像共用
type Dispatcher struct {
	network string
	lc      logger.LoggingClient
	routes  Routes
}

func NewDispatcher(network string, lc logger.LoggingClient, routes Routes) *Dispatcher {
	return &Dispatcher{network: network, lc: lc, routes: routes}
}

// Dispatch 处理一条原始 JSON 报文，格式错误或不属于本网络的报文直接丢弃
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) {
	env, err := message.Decode(raw)
	if err != nil {
		d.lc.Debugf("丢弃无法解析的报文: %v", err)
		return
	}
	if h := message.HeaderOf(env); !h.Matches(d.network) {
		return
	}

	switch m := env.(type) {
	case *message.WirelessMessage:
		d.wireless(ctx, m)
	case *message.ConfigRequest:
		if d.routes.Requests == nil {
			d.lc.Debug("DCR 未启用，忽略配置请求")
			return
		}
		send(ctx, d.routes.Requests, m.Data)
	case *message.BridgeMessage:
		send(ctx, d.routes.Bridge, m)
	}
}

func (d *Dispatcher) wireless(ctx context.Context, m *message.WirelessMessage) {
	if !frameparser.ValidID(m.ID) {
		d.lc.Debugf("WirelessMessage 设备 ID %q 无效", m.ID)
		return
	}
	if m.SendOn != "" {
		reg := message.SendOnRegistration{ID: m.ID}
		for _, payload := range m.Data {
			reg.Rules = append(reg.Rules, devicestore.Rule{On: m.SendOn, Send: payload})
		}
		if len(reg.Rules) > 0 {
			send(ctx, d.routes.SendOn, reg)
		}
		return
	}
	for _, payload := range m.Data {
		f, err := frameparser.Encode(m.ID, payload)
		if err != nil {
			d.lc.Debugf("无法发送 %s%s: %v", m.ID, payload, err)
			continue
		}
		send(ctx, d.routes.Outbound, f)
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}
