// Package devicestore 保存每个远端设备最后一次上报的载荷，以及 sendOn 自动应答规则。
// 两者都只由串口协程持有和修改，其他组件通过消息读取快照。
package devicestore

import (
	"time"

	"github.com/linjuya-lu/device-llap-go/internal/frameparser"
)

// Entry 是某个设备 ID 的最后一条消息
type Entry struct {
	Payload  string    `json:"data"`
	LastSeen time.Time `json:"timestamp"`
}

// Store 以 2 字符设备 ID 为键的最后值缓存。键空间受 ID 字符集限制，不做过期处理。
type Store struct {
	entries map[string]Entry
}

func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Update 记录设备 id 的最新载荷；非法 ID 直接忽略
func (s *Store) Update(id, payload string, at time.Time) {
	if !frameparser.ValidID(id) {
		return
	}
	s.entries[id] = Entry{Payload: payload, LastSeen: at}
}

func (s *Store) Get(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) Len() int {
	return len(s.entries)
}

// Snapshot 返回副本，防止外部修改原表
func (s *Store) Snapshot() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
