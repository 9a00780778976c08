// Package app 按配置组装网桥及可选的 MQTT 镜像、HTTP 接口
package app

import (
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/api"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/mqttmirror"
	"github.com/linjuya-lu/device-llap-go/internal/supervisor"
)

// NewBridge 创建网桥；mqtt.broker 与 http.addr 非空时分别挂上对应组件
func NewBridge(cfg config.Config, lc logger.LoggingClient, opts ...supervisor.Option) *supervisor.Bridge {
	b := supervisor.New(cfg, lc, opts...)
	if cfg.MQTT.Broker != "" {
		m := mqttmirror.New(cfg.MQTT, lc, b)
		b.AddObserver(m.Observe)
		b.AddUnit(m)
	}
	if cfg.HTTP.Addr != "" {
		b.AddUnit(api.NewServer(cfg.HTTP.Addr, lc, b))
	}
	return b
}
