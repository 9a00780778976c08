// Package frameparser 实现无线链路上的定长 12 字节帧编解码：
// 1 字节帧头 'a' + 2 字节设备 ID + 9 字节载荷（不足以 '-' 右补齐）。
package frameparser

import (
	"errors"
	"strings"
)

const (
	// Marker 帧头字节
	Marker byte = 'a'
	// IDLen 设备 ID 长度
	IDLen = 2
	// PayloadLen 载荷长度
	PayloadLen = 9
	// FrameLen 整帧长度
	FrameLen = 1 + IDLen + PayloadLen
	// Pad 载荷填充字符
	Pad byte = '-'
	// ReservedID 配对/配置用的保留设备 ID
	ReservedID = "??"
)

var (
	ErrInvalidID      = errors.New("invalid device id")
	ErrInvalidPayload = errors.New("invalid payload")
)

const (
	idPunct      = `-#@?\*`
	payloadPunct = ` !"#$%&'()*+,-./:;<=>?@[\]^_{|}~`
)

// IsIDByte 判断字节是否属于设备 ID 字符集：大写字母及 - # @ ? \ *
func IsIDByte(b byte) bool {
	if b >= 'A' && b <= 'Z' {
		return true
	}
	return strings.IndexByte(idPunct, b) >= 0
}

// IsPayloadByte 判断字节是否属于载荷字符集：大写字母、数字、空格及固定标点
func IsPayloadByte(b byte) bool {
	if b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' {
		return true
	}
	return strings.IndexByte(payloadPunct, b) >= 0
}

// ValidID 检查设备 ID 是否恰好为 2 个合法字符
func ValidID(id string) bool {
	if len(id) != IDLen {
		return false
	}
	return IsIDByte(id[0]) && IsIDByte(id[1])
}

// Frame 是一条已校验的无线帧，Payload 为补齐后的 9 字符原始载荷
type Frame struct {
	ID      string
	Payload string
}

// Encode 构造发往 id 的帧。payload 超过 9 字符时截断，不足时以 '-' 补齐。
func Encode(id, payload string) (Frame, error) {
	if !ValidID(id) {
		return Frame{}, ErrInvalidID
	}
	if len(payload) > PayloadLen {
		payload = payload[:PayloadLen]
	}
	for i := 0; i < len(payload); i++ {
		if !IsPayloadByte(payload[i]) {
			return Frame{}, ErrInvalidPayload
		}
	}
	return Frame{ID: id, Payload: payload + strings.Repeat(string(Pad), PayloadLen-len(payload))}, nil
}

// MustEncode 同 Encode，仅用于常量帧，出错时 panic
func MustEncode(id, payload string) Frame {
	f, err := Encode(id, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Message 返回去掉尾部填充字符后的载荷
func (f Frame) Message() string {
	return strings.TrimRight(f.Payload, string(Pad))
}

// Bytes 返回写到串口上的 12 字节
func (f Frame) Bytes() []byte {
	buf := make([]byte, 0, FrameLen)
	buf = append(buf, Marker)
	buf = append(buf, f.ID...)
	buf = append(buf, f.Payload...)
	return buf
}

func (f Frame) String() string {
	return string(f.Bytes())
}
