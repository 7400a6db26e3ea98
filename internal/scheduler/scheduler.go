// Package scheduler 顺序驱动决策周期
//
// 每轮依次完成 刷新缓存 → 决策 → 执行 → 落账，轮与轮之间严格串行，
// 不会有两轮并发执行。单轮失败按固定间隔做有界重试，重试预算耗尽
// 视为致命错误交给进程边界处理；轮询间隔为 0 时只跑一轮后正常退出。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/chain"
	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/internal/engine"
	"github.com/liqbot/goliq/internal/executor"
	"github.com/liqbot/goliq/internal/journal"
	"github.com/liqbot/goliq/internal/metrics"
	"github.com/liqbot/goliq/internal/registry"
	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/sigchan"
)

var log = logrus.WithField("component", "scheduler")

// StateRefresher 仓位状态缓存的刷新面
type StateRefresher interface {
	Refresh(ctx context.Context) (*registry.Snapshot, error)
}

// WindowRefresher 时序索引的窗口维护面
type WindowRefresher interface {
	RefreshWindow(ctx context.Context, lookback, now int64) (int, error)
	Size() (blocks, prices int)
}

// PriceSource 参考价格来源（调度器只用到的最小切面）
type PriceSource interface {
	Update(ctx context.Context) error
	LatestPrice() (decimal.Decimal, error)
	HistoricalPrice(ts int64) (decimal.Decimal, error)
}

// ActionExecutor 动作执行面
type ActionExecutor interface {
	Account() common.Address
	ExecuteAll(ctx context.Context, actions []domain.Action) ([]executor.Result, error)
}

// ContractStatus 合约生命周期查询面
type ContractStatus interface {
	State(ctx context.Context) (chain.ContractState, error)
}

// CycleJournal 行动日志的落账面
type CycleJournal interface {
	RecordCycle(ctx context.Context, rec journal.CycleRecord) error
}

// Deps 调度器的协作者集合
// States、Prices、Engine、Exec 必填；Window、Status、Journal 可为 nil
type Deps struct {
	States  StateRefresher
	Window  WindowRefresher
	Prices  PriceSource
	Engine  *engine.Engine
	Exec    ActionExecutor
	Status  ContractStatus
	Journal CycleJournal
}

// Info 最近一轮周期的概要，供运维接口查询
type Info struct {
	Block        uint64 `json:"block"`
	BlockTime    int64  `json:"block_time"`
	Attempt      int    `json:"attempt"`
	ContractOpen bool   `json:"contract_open"`
	Positions    int    `json:"positions"`
	Liquidations int    `json:"liquidations"`
	Price        string `json:"price,omitempty"`
	Actions      int    `json:"actions"`
	Submitted    int    `json:"submitted"`
	Reverted     int    `json:"reverted"`
	Skipped      int    `json:"skipped"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
}

// Scheduler 周期调度器
type Scheduler struct {
	cfg      config.SchedulerConfig
	lookback int64
	deps     Deps
	nudge    *sigchan.Chan
	last     atomic.Pointer[Info]
}

// New 创建调度器
// lookback 为每轮维护的时序索引窗口长度（秒），Window 为 nil 时忽略
func New(cfg config.SchedulerConfig, lookback int64, deps Deps) (*Scheduler, error) {
	if deps.States == nil || deps.Prices == nil || deps.Engine == nil || deps.Exec == nil {
		return nil, errors.New("调度器缺少必要协作者 (States/Prices/Engine/Exec)")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("重试次数不能为负: %d", cfg.Retries)
	}
	return &Scheduler{
		cfg:      cfg,
		lookback: lookback,
		deps:     deps,
		nudge:    sigchan.NewCoalescing(),
	}, nil
}

// Nudge 请求在当前轮结束后立即开始下一轮（而不是等满轮询间隔）
// 非阻塞，周期执行中重复触发会被合并成一次
func (s *Scheduler) Nudge() {
	s.nudge.Emit()
}

// LastCycle 返回最近一轮完成的周期概要；尚未跑完任何一轮时为 nil
func (s *Scheduler) LastCycle() *Info {
	return s.last.Load()
}

// Run 运行调度循环直到 ctx 取消或某轮重试预算耗尽
// PollingInterval <= 0 表示单次模式：只跑一轮，成功返回 nil
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.PollingInterval <= 0 {
		log.Info("单次模式: 只执行一轮决策周期")
		return s.runCycleWithRetry(ctx)
	}

	log.Infof("轮询模式: 间隔 %s, 单轮重试预算 %d 次", s.cfg.PollingInterval, s.cfg.Retries)
	for {
		if err := s.runCycleWithRetry(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("收到取消信号，调度器退出")
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			log.Info("收到取消信号，调度器退出")
			return nil
		case <-s.nudge.C():
			log.Info("收到手动触发，立即开始下一轮")
		case <-time.After(s.cfg.PollingInterval):
		}
	}
}

// runCycleWithRetry 对一轮周期做有界重试：固定间隔，共 Retries+1 次尝试
// 取消类错误立即透传不消耗预算；预算耗尽返回包装后的最后一次错误
func (s *Scheduler) runCycleWithRetry(ctx context.Context) error {
	attempts := s.cfg.Retries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.runCycle(ctx, attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		lastErr = err
		metrics.CycleErrors.Add(1)
		log.Warnf("周期第 %d/%d 次尝试失败: %v", attempt, attempts, err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	return fmt.Errorf("周期连续 %d 次尝试均失败: %w", attempts, lastErr)
}

// runCycle 执行一轮完整周期
func (s *Scheduler) runCycle(ctx context.Context, attempt int) error {
	started := time.Now()

	// 刷新参考价格、时序索引与仓位快照
	if err := s.deps.Prices.Update(ctx); err != nil {
		return fmt.Errorf("更新参考价格失败: %w", err)
	}
	if s.deps.Window != nil {
		fetched, err := s.deps.Window.RefreshWindow(ctx, s.lookback, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("刷新时序索引失败: %w", err)
		}
		metrics.BlocksFetched.Add(int64(fetched))
	}
	snap, err := s.deps.States.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("刷新仓位状态失败: %w", err)
	}

	// 行动前复查合约是否仍在运行：到期/停机后不再发起清算与争议，
	// 但已有清算记录的奖励提取照常执行
	open := true
	if s.deps.Status != nil {
		state, serr := s.deps.Status.State(ctx)
		if serr != nil {
			return fmt.Errorf("读取合约状态失败: %w", serr)
		}
		open = state == chain.ContractOpen
		if !open {
			log.Warnf("合约已到期/停机 (状态 %d)，本轮跳过清算与争议", state)
		}
	}

	price := decimal.Zero
	var actions []domain.Action
	if open {
		cur, perr := s.deps.Prices.LatestPrice()
		if perr != nil {
			// 引擎侧配置了覆盖价时照常决策，否则由引擎按缺价跳过清算
			log.Warnf("当前参考价不可用: %v", perr)
		} else {
			price = cur
		}
		actions = append(actions, s.deps.Engine.SelectLiquidationTargets(snap, price)...)
		actions = append(actions, s.deps.Engine.SelectDisputeTargets(snap, s.deps.Prices.HistoricalPrice, snap.BlockTime)...)
	}
	actions = append(actions, s.deps.Engine.SelectSettleableActions(snap, s.deps.Exec.Account(), snap.BlockTime)...)

	results, execErr := s.deps.Exec.ExecuteAll(ctx, actions)

	info := s.summarize(snap, attempt, open, price, results, started)
	s.last.Store(info)
	metrics.ActionsSubmitted.Add(int64(info.Submitted))
	metrics.ActionsReverted.Add(int64(info.Reverted))
	metrics.ActionsSkipped.Add(int64(info.Skipped))
	s.journalCycle(ctx, snap, attempt, price, results, started, execErr)

	if execErr != nil {
		return fmt.Errorf("执行决策失败: %w", execErr)
	}

	metrics.CycleRuns.Add(1)
	if s.deps.Window != nil {
		blocks, prices := s.deps.Window.Size()
		metrics.BlocksCached.Set(int64(blocks))
		metrics.PricesCached.Set(int64(prices))
	}
	log.Infof("周期完成: 区块 %d, %d 个仓位 / %d 条清算记录, %d 个动作 (提交 %d, 回滚 %d, 跳过 %d)",
		snap.Block, len(snap.Positions), len(snap.Liquidations), len(actions),
		info.Submitted, info.Reverted, info.Skipped)
	return nil
}

func (s *Scheduler) summarize(snap *registry.Snapshot, attempt int, open bool,
	price decimal.Decimal, results []executor.Result, started time.Time) *Info {
	info := &Info{
		Block:        snap.Block,
		BlockTime:    snap.BlockTime,
		Attempt:      attempt,
		ContractOpen: open,
		Positions:    len(snap.Positions),
		Liquidations: len(snap.Liquidations),
		Actions:      len(results),
		StartedAt:    started.UTC().Format(time.RFC3339),
		FinishedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if price.IsPositive() {
		info.Price = price.String()
	}
	for _, r := range results {
		switch r.Status() {
		case "ok":
			info.Submitted++
		case "reverted":
			info.Reverted++
		case "skipped":
			info.Skipped++
		}
	}
	return info
}

// journalCycle 落账一轮周期；行动日志是旁路，写失败只告警不影响周期结果
func (s *Scheduler) journalCycle(ctx context.Context, snap *registry.Snapshot, attempt int,
	price decimal.Decimal, results []executor.Result, started time.Time, execErr error) {
	if s.deps.Journal == nil {
		return
	}

	rec := journal.CycleRecord{
		Block:        snap.Block,
		BlockTime:    snap.BlockTime,
		Attempt:      attempt,
		Positions:    len(snap.Positions),
		Liquidations: len(snap.Liquidations),
		Price:        price.String(),
		Status:       "ok",
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}
	if execErr != nil {
		rec.Status = "failed"
		rec.Detail = execErr.Error()
	}
	for _, r := range results {
		a := journal.ActionRecord{
			Kind:          string(r.Action.Kind),
			Sponsor:       r.Action.Sponsor.Hex(),
			LiquidationID: r.Action.LiquidationID,
			Price:         r.Action.Price.String(),
			TxHash:        r.TxHash,
			Status:        r.Status(),
		}
		if r.Err != nil {
			a.Detail = r.Err.Error()
		}
		rec.Actions = append(rec.Actions, a)
	}

	if err := s.deps.Journal.RecordCycle(ctx, rec); err != nil {
		log.Warnf("写行动日志失败: %v", err)
	}
}
