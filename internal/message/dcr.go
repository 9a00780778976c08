package message

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Flag 兼容 0/1 与 true/false 两种写法
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := string(b)
	switch s {
	case "null":
		return nil
	case "true":
		*f = true
		return nil
	case "false":
		*f = false
		return nil
	}
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("无法解析布尔值 %s", string(b))
	}
	*f = n != 0
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Query 是发给设备的一条配置命令
type Query struct {
	Command string `json:"command"`
	Value   string `json:"value,omitempty"`
}

// QueryReply 记录某条命令发送的值与设备的应答
type QueryReply struct {
	Value string `json:"value"`
	Reply string `json:"reply"`
}

// ConfigRequestData 是 DeviceConfigurationRequest 的 data 字段，应答时原样回带并补充 state/replies
type ConfigRequestData struct {
	ID        string                `json:"id"`
	DevType   string                `json:"devType,omitempty"`
	Timeout   float64               `json:"timeout,omitempty"`
	KeepAwake Flag                  `json:"keepAwake"`
	SetENC    Flag                  `json:"setENC,omitempty"`
	ToQuery   []Query               `json:"toQuery"`
	State     string                `json:"state,omitempty"`
	Replies   map[string]QueryReply `json:"replies,omitempty"`
}

// NewConfigReply 构造 DCR 结果报文
func NewConfigReply(network string, data ConfigRequestData) *ConfigRequest {
	return &ConfigRequest{
		Header: Header{Type: TypeConfig, Network: network},
		Data:   data,
	}
}

// String 便于日志输出
func (d ConfigRequestData) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		return d.ID
	}
	return string(b)
}
