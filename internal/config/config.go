// Package config 定义网桥的 YAML 配置结构及默认值
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SerialConfig 串口与本地电台
type SerialConfig struct {
	Port              string `yaml:"port"`              // 串口设备节点
	BaudRate          int    `yaml:"baudRate"`          // 波特率
	ReadTimeoutMs     int    `yaml:"readTimeoutMs"`     // 单次读超时（毫秒）
	CommandLine       string `yaml:"commandLine"`       // 进入命令模式的硬件控制线：none/dtr/rts
	HandshakeRetries  int    `yaml:"handshakeRetries"`  // 启动握手最大尝试次数
	ATRetries         int    `yaml:"atRetries"`         // 单条 AT 命令重发次数
	ATTimeoutMs       int    `yaml:"atTimeoutMs"`       // 等待 OK 的超时（毫秒）
	GuardTimeMs       int    `yaml:"guardTimeMs"`       // +++ 前的静默时间（毫秒）
	LinkMode          string `yaml:"linkMode"`          // 要求的链路层寻址模式
	NetworkFromSerial bool   `yaml:"networkFromSerial"` // 用电台序列号作为网络名
}

// UDPConfig UDP 广播总线
type UDPConfig struct {
	Network       string `yaml:"network"`       // 逻辑网络名
	SendPort      int    `yaml:"sendPort"`      // 广播发送端口
	ListenPort    int    `yaml:"listenPort"`    // 监听端口
	BroadcastAddr string `yaml:"broadcastAddr"` // 主广播地址
	FallbackAddr  string `yaml:"fallbackAddr"`  // 主地址不可达时使用的本地广播地址
	PollTimeoutMs int    `yaml:"pollTimeoutMs"` // 收发轮询超时（毫秒）
}

// DCRConfig 设备配置请求
type DCRConfig struct {
	Enabled           bool `yaml:"enabled"`
	DefaultTimeoutSec int  `yaml:"defaultTimeoutSec"` // 请求未指定 timeout 时使用
	QueryRetries      int  `yaml:"queryRetries"`      // 单条查询最多重发次数
	PollIntervalMs    int  `yaml:"pollIntervalMs"`
}

// SupervisorConfig 守护循环
type SupervisorConfig struct {
	PollIntervalMs     int `yaml:"pollIntervalMs"`
	RestartDelayMs     int `yaml:"restartDelayMs"`
	SerialRestartLimit int `yaml:"serialRestartLimit"` // 串口连续重启失败上限，超过后退出进程
	ShutdownGraceMs    int `yaml:"shutdownGraceMs"`
	StatusTimeoutMs    int `yaml:"statusTimeoutMs"` // 状态查询等待串口协程应答的时间
}

// MQTTConfig 可选的 MQTT 镜像，Broker 为空时不启用
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientId"`
	TopicPrefix string `yaml:"topicPrefix"`
}

// HTTPConfig 可选的状态接口，Addr 为空时不启用
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config 汇总网桥全部配置
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	UDP        UDPConfig        `yaml:"udp"`
	DCR        DCRConfig        `yaml:"dcr"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// Default 返回出厂默认配置
func Default() Config {
	return Config{
		Serial: SerialConfig{
			Port:             "/dev/ttyAMA0",
			BaudRate:         9600,
			ReadTimeoutMs:    100,
			CommandLine:      "none",
			HandshakeRetries: 3,
			ATRetries:        3,
			ATTimeoutMs:      1500,
			GuardTimeMs:      1100,
			LinkMode:         "1",
		},
		UDP: UDPConfig{
			Network:       "Serial",
			SendPort:      50140,
			ListenPort:    50141,
			BroadcastAddr: "255.255.255.255",
			FallbackAddr:  "127.255.255.255",
			PollTimeoutMs: 500,
		},
		DCR: DCRConfig{
			Enabled:           true,
			DefaultTimeoutSec: 60,
			QueryRetries:      5,
			PollIntervalMs:    100,
		},
		Supervisor: SupervisorConfig{
			PollIntervalMs:     1000,
			RestartDelayMs:     500,
			SerialRestartLimit: 3,
			ShutdownGraceMs:    3000,
			StatusTimeoutMs:    1000,
		},
		MQTT: MQTTConfig{
			ClientID:    "llap-bridge",
			TopicPrefix: "llap",
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// Load 读取 YAML 配置文件，文件中未出现的字段保留默认值
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("无法读取配置文件 %s：%w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("解析配置文件 %s 失败：%w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c Config) Validate() error {
	switch {
	case c.Serial.Port == "":
		return fmt.Errorf("serial.port 不能为空")
	case c.Serial.BaudRate <= 0:
		return fmt.Errorf("serial.baudRate 无效: %d", c.Serial.BaudRate)
	case c.Serial.HandshakeRetries < 1 || c.Serial.ATRetries < 1:
		return fmt.Errorf("serial 重试次数至少为 1")
	case c.UDP.SendPort <= 0 || c.UDP.SendPort > 65535 || c.UDP.ListenPort <= 0 || c.UDP.ListenPort > 65535:
		return fmt.Errorf("udp 端口无效: send=%d listen=%d", c.UDP.SendPort, c.UDP.ListenPort)
	case c.UDP.Network == "" && !c.Serial.NetworkFromSerial:
		return fmt.Errorf("udp.network 不能为空")
	case c.DCR.QueryRetries < 0 || c.DCR.DefaultTimeoutSec <= 0:
		return fmt.Errorf("dcr 重试/超时配置无效")
	case c.Supervisor.SerialRestartLimit < 0:
		return fmt.Errorf("supervisor.serialRestartLimit 无效")
	case c.Supervisor.PollIntervalMs <= 0 || c.DCR.PollIntervalMs <= 0:
		return fmt.Errorf("轮询间隔必须大于 0")
	}
	if net.ParseIP(c.UDP.BroadcastAddr).To4() == nil {
		return fmt.Errorf("udp.broadcastAddr 不是 IPv4 地址: %q", c.UDP.BroadcastAddr)
	}
	// 备用地址可以留空
	if c.UDP.FallbackAddr != "" && net.ParseIP(c.UDP.FallbackAddr).To4() == nil {
		return fmt.Errorf("udp.fallbackAddr 不是 IPv4 地址: %q", c.UDP.FallbackAddr)
	}
	switch c.Serial.CommandLine {
	case "", "none", "dtr", "rts":
	default:
		return fmt.Errorf("serial.commandLine 无效: %s", c.Serial.CommandLine)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c SerialConfig) ReadTimeout() time.Duration { return ms(c.ReadTimeoutMs) }
func (c SerialConfig) ATTimeout() time.Duration   { return ms(c.ATTimeoutMs) }
func (c SerialConfig) GuardTime() time.Duration   { return ms(c.GuardTimeMs) }
func (c UDPConfig) PollTimeout() time.Duration    { return ms(c.PollTimeoutMs) }
func (c DCRConfig) PollInterval() time.Duration   { return ms(c.PollIntervalMs) }

func (c DCRConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

func (c SupervisorConfig) PollInterval() time.Duration  { return ms(c.PollIntervalMs) }
func (c SupervisorConfig) RestartDelay() time.Duration  { return ms(c.RestartDelayMs) }
func (c SupervisorConfig) ShutdownGrace() time.Duration { return ms(c.ShutdownGraceMs) }
func (c SupervisorConfig) StatusTimeout() time.Duration { return ms(c.StatusTimeoutMs) }
