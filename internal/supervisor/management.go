package supervisor

import (
	"context"
	"time"

	device "github.com/linjuya-lu/device-llap-go"
	"github.com/linjuya-lu/device-llap-go/internal/message"
)

// 可查询的状态键
const (
	KeyDeviceStore   = "deviceStore"
	KeyPANID         = "PANID"
	KeyEncryptionSet = "encryptionSet"
	KeyVersion       = "version"
	KeyFirmware      = "radioFirmwareVersion"
	KeySerialNumber  = "radioSerialNumber"
	KeySendOnActive  = "sendOnActive"
	KeyNetwork       = "network"
)

// 修改电台参数可能需要多次进出命令模式
const settingsTimeout = 30 * time.Second

const (
	resultPass = "PASS"
	resultFail = "FAIL"
)

// handleBridge 应答 MessageBridge：set 交给串口协程异步执行，request 同步查询状态
func (b *Bridge) handleBridge(ctx context.Context, m *message.BridgeMessage) {
	if m.Data.Set != nil {
		b.changeSettings(ctx, m.Data.ID, *m.Data.Set)
	}
	if len(m.Data.Request) > 0 {
		b.answerStatus(ctx, m.Data.ID, m.Data.Request)
	}
}

func (b *Bridge) answerStatus(ctx context.Context, id string, keys []string) {
	snap, err := b.Status(ctx)
	if err != nil {
		b.lc.Warnf("状态查询失败: %v", err)
		b.reply(ctx, StateError.String(), id, nil)
		return
	}
	b.reply(ctx, b.State().String(), id, b.StatusResult(snap, keys))
}

// StatusResult 按请求的键从快照中取值，未知键忽略
func (b *Bridge) StatusResult(snap message.StatusSnapshot, keys []string) map[string]interface{} {
	result := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		switch k {
		case KeyDeviceStore:
			result[k] = snap.DeviceStore
		case KeyPANID:
			result[k] = snap.Settings.PANID
		case KeyEncryptionSet:
			result[k] = snap.Settings.EncryptionEnabled
		case KeyVersion:
			result[k] = device.Version
		case KeyFirmware:
			result[k] = snap.Info.FirmwareVersion
		case KeySerialNumber:
			result[k] = snap.Info.SerialNumber
		case KeySendOnActive:
			result[k] = snap.SendOnActive
		case KeyNetwork:
			result[k] = b.Network()
		default:
			b.lc.Debugf("忽略未知的状态键 %s", k)
		}
	}
	return result
}

// changeSettings 把修改请求交给串口协程，在后台等待结果并广播 PASS/FAIL
func (b *Bridge) changeSettings(ctx context.Context, id string, set message.SettingsSet) {
	change := message.SettingsChange{Set: set, Reply: make(chan message.SettingsResult, 1)}
	select {
	case b.settings <- change:
	case <-ctx.Done():
		return
	default:
		b.lc.Warn("上一次电台参数修改尚未完成")
		b.reply(ctx, b.State().String(), id, failAll(set))
		return
	}

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		t := time.NewTimer(settingsTimeout)
		defer t.Stop()
		var result map[string]interface{}
		select {
		case res := <-change.Reply:
			result = make(map[string]interface{}, len(res))
			for k, ok := range res {
				result[k] = resultFail
				if ok {
					result[k] = resultPass
				}
			}
		case <-t.C:
			b.lc.Warn("等待电台参数修改结果超时")
			result = failAll(set)
		case <-ctx.Done():
			return
		}
		b.reply(ctx, b.State().String(), id, result)
	}()
}

func failAll(set message.SettingsSet) map[string]interface{} {
	result := map[string]interface{}{}
	if set.PANID != nil {
		result[KeyPANID] = resultFail
	}
	if set.EncryptionSet != nil {
		result[KeyEncryptionSet] = resultFail
	}
	if set.EncryptionKey != nil {
		result["encryptionKey"] = resultFail
	}
	return result
}

func (b *Bridge) reply(ctx context.Context, state, id string, result map[string]interface{}) {
	select {
	case b.publish <- message.NewBridgeReply(b.Network(), state, id, result):
	case <-ctx.Done():
	}
}
