// Package shutdown 进程退出时的资源收尾
package shutdown

import (
	"context"
	"sync"

	"github.com/liqbot/goliq/pkg/logger"
)

// Handler 单个资源的关闭函数，应自行遵守 ctx 时限
type Handler func(ctx context.Context)

type entry struct {
	name string
	fn   Handler
}

// Manager 汇集关闭回调，退出时按注册的逆序执行
// 后创建的资源往往依赖先创建的，逆序保证依赖方先退
type Manager struct {
	mu      sync.Mutex
	entries []entry
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册一个具名关闭回调
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{name: name, fn: fn})
}

// Shutdown 逆序执行全部回调并阻塞等待；ctx 到期则放弃剩余回调
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make([]entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	logger.Infof("开始资源收尾，共 %d 个回调", len(entries))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].fn(ctx)
			logger.Debugf("已关闭: %s", entries[i].name)
		}
	}()

	select {
	case <-done:
		logger.Infof("资源收尾完成")
	case <-ctx.Done():
		logger.Warnf("资源收尾超时: %v", ctx.Err())
	}
}
