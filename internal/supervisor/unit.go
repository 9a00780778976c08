package supervisor

import (
	"context"
	"fmt"
	"time"
)

// Unit 是由守护循环启动、监视并在退出后重启的组件
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

type funcUnit struct {
	name string
	run  func(ctx context.Context) error
}

func (u funcUnit) Name() string                  { return u.name }
func (u funcUnit) Run(ctx context.Context) error { return u.run(ctx) }

// NewUnit 用函数构造 Unit
func NewUnit(name string, run func(ctx context.Context) error) Unit {
	return funcUnit{name: name, run: run}
}

// handle 记录一个运行中的 Unit。err 只在 done 关闭后读取。
type handle struct {
	unit    Unit
	done    chan struct{}
	err     error
	started time.Time
}

func (h *handle) start(ctx context.Context) {
	h.done = make(chan struct{})
	h.err = nil
	h.started = time.Now()
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("%s panic: %v", h.unit.Name(), r)
			}
		}()
		h.err = h.unit.Run(ctx)
	}()
}

func (h *handle) dead() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// wait 等待退出，超过 grace 返回 false
func (h *handle) wait(grace time.Duration) bool {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}
