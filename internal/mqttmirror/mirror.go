// Package mqttmirror 把 UDP 总线镜像到 MQTT：上行报文发布到 <prefix>/<network>/<type>，
// 订阅 <prefix>/<network>/in 的报文按 UDP 入站报文同样处理。
package mqttmirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

const connectTimeout = 10 * time.Second

// Bridge 是镜像需要的网桥能力
type Bridge interface {
	Network() string
	Dispatch(ctx context.Context, raw []byte)
}

// publisher 为 mqtt.Client 的子集
type publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Mirror struct {
	cfg config.MQTTConfig
	lc  logger.LoggingClient
	b   Bridge

	mu     sync.RWMutex
	client publisher
	ctx    context.Context
}

func New(cfg config.MQTTConfig, lc logger.LoggingClient, b Bridge) *Mirror {
	return &Mirror{cfg: cfg, lc: lc, b: b, ctx: context.Background()}
}

func (m *Mirror) Name() string { return "mqtt" }

// Topic 返回上行报文的发布主题
func (m *Mirror) Topic(env message.Envelope) string {
	h := message.HeaderOf(env)
	return fmt.Sprintf("%s/%s/%s", m.cfg.TopicPrefix, h.Network, h.Type)
}

// InboundTopic 返回接收客户端报文的主题
func (m *Mirror) InboundTopic() string {
	return fmt.Sprintf("%s/%s/in", m.cfg.TopicPrefix, m.b.Network())
}

// Observe 在报文广播后发布到 MQTT，未连接时丢弃
func (m *Mirror) Observe(env message.Envelope, raw []byte) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	topic := m.Topic(env)
	token := client.Publish(topic, 0, false, raw)
	go func() {
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			m.lc.Warnf("MQTT 发布 %s 失败: %v", topic, token.Error())
		}
	}()
}

func (m *Mirror) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	m.b.Dispatch(ctx, msg.Payload())
}

// Run 连接 broker 并订阅入站主题，直到 ctx 取消
func (m *Mirror) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.lc.Warnf("MQTT 连接断开: %v", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := m.InboundTopic()
		if token := c.Subscribe(topic, 1, m.onMessage); token.Wait() && token.Error() != nil {
			m.lc.Errorf("订阅 %s 失败: %v", topic, token.Error())
			return
		}
		m.lc.Infof("已连接 MQTT %s，订阅 %s", m.cfg.Broker, topic)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("连接 MQTT %s 超时", m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("连接 MQTT %s 失败: %w", m.cfg.Broker, err)
	}

	m.mu.Lock()
	m.client = client
	m.ctx = ctx
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.client = nil
	m.mu.Unlock()
	client.Disconnect(250)
	return nil
}
