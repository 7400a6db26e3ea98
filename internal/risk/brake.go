// Package risk 执行安全护栏
// 连续回滚通常意味着参考价格或合约参数出了系统性问题，
// 熔断后暂停一切上链动作，等待人工确认后恢复
package risk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrHalted 表示熔断器已打开，上链动作被暂停
var ErrHalted = fmt.Errorf("熔断器已打开，上链动作已暂停")

// Config 熔断配置
// 约定：阈值 <= 0 表示关闭自动熔断（手动 Halt 仍然有效）
type Config struct {
	// MaxConsecutiveReverts 连续回滚上限，达到后自动熔断
	MaxConsecutiveReverts int64
}

// Brake 熔断器
// 高频快路径使用原子变量，避免在执行循环里加锁；
// 所有方法对 nil 接收者安全，未装配时直接放行
type Brake struct {
	halted             atomic.Bool
	consecutiveReverts atomic.Int64
	haltedAt           atomic.Int64 // Unix 秒，0 = 未熔断

	maxConsecutiveReverts atomic.Int64
}

func New(cfg Config) *Brake {
	b := &Brake{}
	b.SetConfig(cfg)
	return b
}

// SetConfig 运行期更新阈值
func (b *Brake) SetConfig(cfg Config) {
	if b == nil {
		return
	}
	b.maxConsecutiveReverts.Store(cfg.MaxConsecutiveReverts)
}

// Halt 手动熔断（人工介入或上层检测到严重异常）
func (b *Brake) Halt() {
	if b == nil {
		return
	}
	b.trip()
}

// Resume 手动恢复，同时清零连续回滚计数
func (b *Brake) Resume() {
	if b == nil {
		return
	}
	b.halted.Store(false)
	b.haltedAt.Store(0)
	b.consecutiveReverts.Store(0)
}

// Allow 快路径检查是否允许继续提交上链动作
func (b *Brake) Allow() error {
	if b == nil {
		return nil
	}
	if b.halted.Load() {
		return ErrHalted
	}
	limit := b.maxConsecutiveReverts.Load()
	if limit > 0 && b.consecutiveReverts.Load() >= limit {
		b.trip()
		return ErrHalted
	}
	return nil
}

// OnSubmitted 一笔动作成功上链后调用，清零连续回滚计数
func (b *Brake) OnSubmitted() {
	if b == nil {
		return
	}
	b.consecutiveReverts.Store(0)
}

// OnRevert 一笔动作模拟回滚后调用，累计连续回滚计数
func (b *Brake) OnRevert() {
	if b == nil {
		return
	}
	n := b.consecutiveReverts.Add(1)
	limit := b.maxConsecutiveReverts.Load()
	if limit > 0 && n >= limit {
		b.trip()
	}
}

func (b *Brake) trip() {
	if b.halted.CompareAndSwap(false, true) {
		b.haltedAt.Store(time.Now().Unix())
	}
}

// State 熔断器当前状态（运维接口用）
type State struct {
	Halted             bool  `json:"halted"`
	ConsecutiveReverts int64 `json:"consecutive_reverts"`
	HaltedAt           int64 `json:"halted_at,omitempty"`
}

// Snapshot 返回当前状态；nil 接收者返回零值
func (b *Brake) Snapshot() State {
	if b == nil {
		return State{}
	}
	return State{
		Halted:             b.halted.Load(),
		ConsecutiveReverts: b.consecutiveReverts.Load(),
		HaltedAt:           b.haltedAt.Load(),
	}
}
