// Package message 定义 UDP 总线上的 JSON 报文。
// 每种 type 对应一个具体结构，先按 type 字段分发再解析其余字段。
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type 报文类型
type Type string

const (
	TypeWireless Type = "WirelessMessage"
	TypeConfig   Type = "DeviceConfigurationRequest"
	TypeBridge   Type = "MessageBridge"
)

// NetworkAll 匹配所有网桥
const NetworkAll = "ALL"

var ErrUnknownType = errors.New("unknown envelope type")

// Header 是所有报文的公共字段
type Header struct {
	Type      Type   `json:"type"`
	Network   string `json:"network"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Envelope 是三种报文的统一接口
type Envelope interface {
	header() *Header
}

func (h *Header) header() *Header { return h }

// Matches 判断报文是否发给名为 network 的网桥
func (h *Header) Matches(network string) bool {
	return h.Network == NetworkAll || h.Network == network
}

// WirelessMessage 与无线帧对应：出站时 Data 为收到的载荷，
// 入站时 Data 中每一项发送一帧；带 SendOn 时改为登记自动应答规则。
type WirelessMessage struct {
	Header
	ID     string   `json:"id"`
	Data   []string `json:"data"`
	SendOn string   `json:"sendOn,omitempty"`
}

// ConfigRequest 即 DeviceConfigurationRequest
type ConfigRequest struct {
	Header
	Data ConfigRequestData `json:"data"`
}

// BridgeMessage 即 MessageBridge 状态查询/设置及其应答
type BridgeMessage struct {
	Header
	State string     `json:"state,omitempty"`
	Data  BridgeData `json:"data"`
}

// BridgeData 中 Request 为待查询的键，Set 为待修改的电台参数，Result 为应答
type BridgeData struct {
	ID      string                 `json:"id,omitempty"`
	Request []string               `json:"request,omitempty"`
	Set     *SettingsSet           `json:"set,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
}

// SettingsSet 为可在运行时修改的电台参数，缺省字段不修改
type SettingsSet struct {
	PANID         *string `json:"PANID,omitempty"`
	EncryptionSet *bool   `json:"encryptionSet,omitempty"`
	EncryptionKey *string `json:"encryptionKey,omitempty"`
}

// Decode 解析一条报文，先读 type 再按具体结构解析
func Decode(raw []byte) (Envelope, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("解析报文头失败: %w", err)
	}
	var env Envelope
	switch h.Type {
	case TypeWireless:
		env = &WirelessMessage{}
	case TypeConfig:
		env = &ConfigRequest{}
	case TypeBridge:
		env = &BridgeMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("解析 %s 报文失败: %w", h.Type, err)
	}
	return env, nil
}

// Encode 序列化报文，未填写时间戳时补上当前 UTC 时间
func Encode(env Envelope) ([]byte, error) {
	h := env.header()
	if h.Timestamp == "" {
		h.Timestamp = Timestamp(time.Now())
	}
	return json.Marshal(env)
}

// HeaderOf 返回报文公共字段
func HeaderOf(env Envelope) Header {
	return *env.header()
}

// Timestamp 以 RFC3339 格式输出 UTC 时间
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewWireless 构造一条上报远端设备消息的报文
func NewWireless(network, id string, data ...string) *WirelessMessage {
	return &WirelessMessage{
		Header: Header{Type: TypeWireless, Network: network},
		ID:     id,
		Data:   data,
	}
}

// NewBridgeReply 构造 MessageBridge 应答
func NewBridgeReply(network, state, id string, result map[string]interface{}) *BridgeMessage {
	return &BridgeMessage{
		Header: Header{Type: TypeBridge, Network: network},
		State:  state,
		Data:   BridgeData{ID: id, Result: result},
	}
}
