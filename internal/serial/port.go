// Package serial 独占本地电台所在的串口：打开串口、在命令模式下配置电台，
// 并在常规模式下收发 12 字节无线帧。
package serial

import (
	"fmt"
	"io"
	"time"

	goserial "go.bug.st/serial"
)

// Port 是串口协程需要的最小接口，go.bug.st/serial 的 Port 满足该接口，测试中可替换为假串口
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Opener 打开串口的函数，测试中替换
type Opener func(portName string, baudRate int, readTimeout time.Duration) (Port, error)

// Open 以 8N1 打开串口并设置读超时，超时后 Read 返回 0 字节
func Open(portName string, baudRate int, readTimeout time.Duration) (Port, error) {
	mode := &goserial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	p, err := goserial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("打开串口 %s 失败: %w", portName, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("设置串口 %s 读超时失败: %w", portName, err)
	}
	return p, nil
}
