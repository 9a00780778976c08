package driver

import (
	"fmt"
	"sync"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/models"
	"github.com/linjuya-lu/device-llap-go/internal/frameparser"
)

// Protocol 设备定义中 protocols 下的键，其 id 属性为 2 字符无线设备 ID
const Protocol = "llap"

// registry 是无线设备 ID 到本地逻辑设备名的映射
type registry struct {
	mu     sync.RWMutex
	byID   map[string]string
	byName map[string]string
}

func newRegistry() *registry {
	return &registry{byID: map[string]string{}, byName: map[string]string{}}
}

func (r *registry) add(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[name]; ok {
		delete(r.byID, old)
	}
	r.byName[name] = id
	r.byID[id] = name
}

func (r *registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		delete(r.byID, id)
		delete(r.byName, name)
	}
}

func (r *registry) name(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byID[id]
	return n, ok
}

// deviceID 从 protocols 中取出并校验无线设备 ID
func deviceID(protocols map[string]models.ProtocolProperties) (string, error) {
	props, ok := protocols[Protocol]
	if !ok {
		return "", fmt.Errorf("缺少 %s 协议属性", Protocol)
	}
	v, ok := props["id"]
	if !ok {
		return "", fmt.Errorf("%s 协议缺少 id", Protocol)
	}
	id := fmt.Sprint(v)
	if !frameparser.ValidID(id) {
		return "", fmt.Errorf("无效的设备 ID %q", id)
	}
	return id, nil
}
