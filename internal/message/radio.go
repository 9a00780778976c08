package message

import (
	"time"

	"github.com/linjuya-lu/device-llap-go/internal/devicestore"
)

// RadioSettings 是本地电台命令模式下读回的参数镜像，只由串口协程维护
type RadioSettings struct {
	PANID             string `json:"PANID"`
	EncryptionEnabled bool   `json:"encryptionSet"`
	EncryptionKey     string `json:"-"`
}

// RadioInfo 为握手时读取的电台只读信息
type RadioInfo struct {
	FirmwareVersion string `json:"radioFirmwareVersion"`
	SerialNumber    string `json:"radioSerialNumber"`
}

// SettingsResult 每个字段的修改结果
type SettingsResult map[string]bool

// SettingsChange 请求串口协程在命令模式下修改电台参数，结果写入 Reply（容量应为 1）
type SettingsChange struct {
	Set   SettingsSet
	Reply chan SettingsResult
}

// StatusSnapshot 是串口协程拥有的状态的只读副本
type StatusSnapshot struct {
	Settings     RadioSettings
	Info         RadioInfo
	DeviceStore  map[string]devicestore.Entry
	SendOnActive []string
	At           time.Time
}

// StatusRequest 请求一份 StatusSnapshot，Reply 容量应为 1
type StatusRequest struct {
	Reply chan StatusSnapshot
}

// SendOnRegistration 登记一组 sendOn 规则
type SendOnRegistration struct {
	ID    string
	Rules []devicestore.Rule
}
