package syncgroup

import (
	"sync"
)

type groupFunc func()

// SyncGroup 是 sync.WaitGroup 的包装器，简化后台 goroutine 生命周期管理
// 先 Add 注册函数，Run 统一启动，Wait 等待全部退出
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	fns     []groupFunc
	running bool
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 注册一个后台函数；Run 之后的 Add 会被忽略
func (g *SyncGroup) Add(fn groupFunc) {
	if fn == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.fns = append(g.fns, fn)
}

// Run 启动所有已注册的函数，各自占一个 goroutine
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	fns := g.fns
	g.fns = nil
	g.running = true
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(do groupFunc) {
			defer g.wg.Done()
			do()
		}(fn)
	}
}

// Wait 等待所有 goroutine 退出
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
