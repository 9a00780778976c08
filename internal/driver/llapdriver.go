// -*- Mode: Go; indent-tabs-mode: t -*-
//
// Copyright (C) 2019-2023 IOTech Ltd
//
// SPDX-License-Identifier: Apache-2.0

// Package driver provides an implementation of a ProtocolDriver interface.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edgexfoundry/device-sdk-go/v4/pkg/interfaces"
	dsModels "github.com/edgexfoundry/device-sdk-go/v4/pkg/models"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/common"
	"github.com/edgexfoundry/go-mod-core-contracts/v4/models"
	"github.com/linjuya-lu/device-llap-go/internal/app"
	"github.com/linjuya-lu/device-llap-go/internal/config"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

const (
	// BridgeConfigKey 驱动配置中网桥 YAML 文件路径的键
	BridgeConfigKey = "BridgeConfig"
	// MessageResource 上报无线消息使用的资源名
	MessageResource = "message"

	requestTimeout = 5 * time.Second
	stopTimeout    = 5 * time.Second
)

// Bridge 是驱动使用的网桥能力
type Bridge interface {
	Status(ctx context.Context) (message.StatusSnapshot, error)
	SendWireless(ctx context.Context, id, payload string) error
}

// runner 是驱动启动并守护的网桥，*supervisor.Bridge 满足该接口
type runner interface {
	Bridge
	Run(ctx context.Context) error
	Started() <-chan struct{}
}

type LLAPDriver struct {
	lc      logger.LoggingClient
	asyncCh chan<- *dsModels.AsyncValues
	locker  sync.Mutex
	sdk     interfaces.DeviceServiceSDK
	devices *registry
	bridge  Bridge
	cancel  context.CancelFunc
	done    chan struct{}
	exit    func(code int)
}

var once sync.Once
var driver *LLAPDriver

func NewLLAPDriver() interfaces.ProtocolDriver {
	once.Do(func() {
		driver = new(LLAPDriver)
	})
	return driver
}

func (d *LLAPDriver) Initialize(sdk interfaces.DeviceServiceSDK) error {
	d.sdk = sdk
	d.lc = sdk.LoggingClient()
	d.asyncCh = sdk.AsyncValuesChannel()
	d.devices = newRegistry()
	d.exit = os.Exit
	return nil
}

func (d *LLAPDriver) Start() error {
	// —— 0. 网桥配置：未指定文件时使用默认值
	cfg := config.Default()
	if path := d.sdk.DriverConfigs()[BridgeConfigKey]; path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("加载网桥配置失败: %w", err)
		}
		cfg = loaded
	}

	// —— 1. 已有设备的无线 ID
	for _, dev := range d.sdk.Devices() {
		if id, err := deviceID(dev.Protocols); err == nil {
			d.devices.add(dev.Name, id)
		}
	}

	// —— 2. 启动网桥，上行无线消息转为异步读数；首次握手失败时 Start 返回错误
	b := app.NewBridge(cfg, d.lc)
	b.AddObserver(d.onEnvelope)
	if err := d.launch(b); err != nil {
		return err
	}

	d.lc.Infof("LLAP 网桥已启动，串口 %s", cfg.Serial.Port)
	return nil
}

// launch 运行网桥并等待首次握手。此后网桥因致命错误退出时结束进程。
func (d *LLAPDriver) launch(b runner) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(d.done)
		errCh <- b.Run(ctx)
	}()

	select {
	case <-b.Started():
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("网桥在就绪前退出")
		}
		return fmt.Errorf("启动 LLAP 网桥失败: %w", err)
	}
	d.bridge = b

	go func() {
		if err := <-errCh; err != nil {
			d.lc.Errorf("LLAP 网桥退出: %v", err)
			exit := d.exit
			if exit == nil {
				exit = os.Exit
			}
			exit(1)
		}
	}()
	return nil
}

// onEnvelope 把已登记设备的无线消息推送为异步读数
func (d *LLAPDriver) onEnvelope(env message.Envelope, _ []byte) {
	m, ok := env.(*message.WirelessMessage)
	if !ok {
		return
	}
	name, ok := d.devices.name(m.ID)
	if !ok {
		return
	}
	now := time.Now().UnixNano()
	cvs := make([]*dsModels.CommandValue, 0, len(m.Data))
	for _, payload := range m.Data {
		cvs = append(cvs, &dsModels.CommandValue{
			DeviceResourceName: MessageResource,
			Type:               common.ValueTypeString,
			Value:              payload,
			Origin:             now,
			Tags:               map[string]string{},
		})
	}
	select {
	case d.asyncCh <- &dsModels.AsyncValues{DeviceName: name, SourceName: MessageResource, CommandValues: cvs}:
	default:
		d.lc.Warnf("异步读数通道已满，丢弃设备 %s 的消息", name)
	}
}

func (d *LLAPDriver) HandleReadCommands(deviceName string, protocols map[string]models.ProtocolProperties, reqs []dsModels.CommandRequest) (res []*dsModels.CommandValue, err error) {
	d.locker.Lock()
	defer d.locker.Unlock()

	d.lc.Debugf("HandleReadCommands 调用: 设备=%s, 请求资源数=%d", deviceName, len(reqs))

	id, err := deviceID(protocols)
	if err != nil {
		return nil, fmt.Errorf("设备 %s: %w", deviceName, err)
	}
	if d.bridge == nil {
		return nil, fmt.Errorf("网桥未启动")
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	snap, err := d.bridge.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取设备表失败: %w", err)
	}
	entry, ok := snap.DeviceStore[id]
	if !ok {
		return nil, fmt.Errorf("设备 %s（%s）尚未上报任何消息", deviceName, id)
	}

	results := make([]*dsModels.CommandValue, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, &dsModels.CommandValue{
			DeviceResourceName: req.DeviceResourceName,
			Type:               common.ValueTypeString,
			Value:              entry.Payload,
			Origin:             entry.LastSeen.UnixNano(),
			Tags:               map[string]string{},
		})
	}
	return results, nil
}

func (d *LLAPDriver) HandleWriteCommands(deviceName string, protocols map[string]models.ProtocolProperties, reqs []dsModels.CommandRequest,
	params []*dsModels.CommandValue) error {
	d.locker.Lock()
	defer d.locker.Unlock()

	d.lc.Debugf("HandleWriteCommands 调用: 设备=%s, 写入请求数=%d", deviceName, len(reqs))

	// 请求数与参数数必须一致
	if len(reqs) != len(params) {
		return fmt.Errorf("请求数与参数数不匹配: %d vs %d", len(reqs), len(params))
	}
	id, err := deviceID(protocols)
	if err != nil {
		return fmt.Errorf("设备 %s: %w", deviceName, err)
	}
	if d.bridge == nil {
		return fmt.Errorf("网桥未启动")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for _, cv := range params {
		payload, ok := cv.Value.(string)
		if !ok {
			payload = fmt.Sprint(cv.Value)
		}
		if err := d.bridge.SendWireless(ctx, id, payload); err != nil {
			return err
		}
		d.lc.Debugf("发送: %s(%s) <- %s", deviceName, id, payload)
	}
	return nil
}

func (d *LLAPDriver) Stop(force bool) error {
	d.lc.Info("LLAPDriver.Stop: 网桥正在停止")
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	if force {
		return nil
	}
	select {
	case <-d.done:
	case <-time.After(stopTimeout):
		d.lc.Warn("网桥未在限定时间内停止")
	}
	return nil
}

func (d *LLAPDriver) AddDevice(deviceName string, protocols map[string]models.ProtocolProperties, adminState models.AdminState) error {
	id, err := deviceID(protocols)
	if err != nil {
		return fmt.Errorf("设备 %s: %w", deviceName, err)
	}
	d.devices.add(deviceName, id)
	d.lc.Debugf("新增设备 %s，无线 ID %s", deviceName, id)
	return nil
}

func (d *LLAPDriver) UpdateDevice(deviceName string, protocols map[string]models.ProtocolProperties, adminState models.AdminState) error {
	return d.AddDevice(deviceName, protocols, adminState)
}

func (d *LLAPDriver) RemoveDevice(deviceName string, protocols map[string]models.ProtocolProperties) error {
	d.devices.remove(deviceName)
	d.lc.Debugf("设备 %s 已移除", deviceName)
	return nil
}

func (d *LLAPDriver) Discover() error {
	return fmt.Errorf("driver's Discover function isn't implemented")
}

func (d *LLAPDriver) ValidateDevice(device models.Device) error {
	_, err := deviceID(device.Protocols)
	return err
}
