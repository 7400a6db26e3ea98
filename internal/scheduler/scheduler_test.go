package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/liqbot/goliq/internal/chain"
	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/internal/engine"
	"github.com/liqbot/goliq/internal/executor"
	"github.com/liqbot/goliq/internal/journal"
	"github.com/liqbot/goliq/internal/pricefeed"
	"github.com/liqbot/goliq/internal/registry"
	"github.com/liqbot/goliq/pkg/config"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

var botAccount = addr(0xEE)

// fakeStates 前 failures 次 Refresh 返回传输错误，之后返回固定快照
type fakeStates struct {
	mu       sync.Mutex
	snap     *registry.Snapshot
	failures int
	calls    int
}

func (f *fakeStates) Refresh(context.Context) (*registry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("连接 RPC 节点失败 (第 %d 次)", f.calls)
	}
	return f.snap, nil
}

func (f *fakeStates) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePrices struct {
	latest     decimal.Decimal
	latestErr  error
	historical map[int64]decimal.Decimal
}

func (f *fakePrices) Update(context.Context) error { return nil }

func (f *fakePrices) LatestPrice() (decimal.Decimal, error) {
	if f.latestErr != nil {
		return decimal.Zero, f.latestErr
	}
	return f.latest, nil
}

func (f *fakePrices) HistoricalPrice(ts int64) (decimal.Decimal, error) {
	if p, ok := f.historical[ts]; ok {
		return p, nil
	}
	return decimal.Zero, pricefeed.ErrPriceUnavailable
}

// fakeExec 记录每轮收到的动作批次，全部按成功上链返回
type fakeExec struct {
	mu      sync.Mutex
	batches [][]domain.Action
	done    chan struct{}
}

func (f *fakeExec) Account() common.Address { return botAccount }

func (f *fakeExec) ExecuteAll(_ context.Context, actions []domain.Action) ([]executor.Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, actions)
	f.mu.Unlock()
	results := make([]executor.Result, 0, len(actions))
	for _, a := range actions {
		results = append(results, executor.Result{Action: a, TxHash: "0xfeed"})
	}
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
	return results, nil
}

func (f *fakeExec) batch(i int) []domain.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func (f *fakeExec) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeStatus struct{ state chain.ContractState }

func (f fakeStatus) State(context.Context) (chain.ContractState, error) { return f.state, nil }

type memJournal struct {
	mu   sync.Mutex
	recs []journal.CycleRecord
}

func (m *memJournal) RecordCycle(_ context.Context, rec journal.CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memJournal) records() []journal.CycleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.CycleRecord(nil), m.recs...)
}

// testSnapshot 固定快照：参考价 1.75 时仓位抵押不足；记录 0 可争议
// （历史价 1.0，清算隐含价 2.0）；记录 1 争议失败、清算人为机器人账户可提取
func testSnapshot() *registry.Snapshot {
	return &registry.Snapshot{
		Positions: []domain.Position{{
			Sponsor:           addr(0xA1),
			Collateral:        d("125"),
			TokensOutstanding: d("100"),
		}},
		Liquidations: []domain.Liquidation{
			{
				ID:               0,
				Sponsor:          addr(0xB1),
				Liquidator:       addr(0xC1),
				State:            domain.StatePreDispute,
				LiquidationTime:  500,
				LockedCollateral: d("100"),
				Price:            d("2.0"),
			},
			{
				ID:         1,
				Sponsor:    addr(0xB2),
				Liquidator: botAccount,
				State:      domain.StateDisputeFailed,
			},
		},
		Block:                 42,
		BlockTime:             10_000,
		Taken:                 time.Now(),
		CollateralRequirement: d("1.2"),
		LiquidationLiveness:   7200,
		DisputeBondPercentage: d("0.1"),
	}
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, deps Deps) *Scheduler {
	t.Helper()
	if deps.Engine == nil {
		e, err := engine.New(engine.Config{DeviationTolerance: d("0.05")})
		require.NoError(t, err)
		deps.Engine = e
	}
	s, err := New(cfg, 3600, deps)
	require.NoError(t, err)
	return s
}

func kinds(actions []domain.Action) []domain.ActionKind {
	out := make([]domain.ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	e, err := engine.New(engine.Config{})
	require.NoError(t, err)

	_, err = New(config.SchedulerConfig{}, 0, Deps{Prices: &fakePrices{}, Engine: e, Exec: &fakeExec{}})
	require.Error(t, err)

	_, err = New(config.SchedulerConfig{Retries: -1}, 0, Deps{
		States: &fakeStates{}, Prices: &fakePrices{}, Engine: e, Exec: &fakeExec{},
	})
	require.Error(t, err)
}

func TestSingleShotRunsExactlyOneCycle(t *testing.T) {
	states := &fakeStates{snap: testSnapshot()}
	exec := &fakeExec{}
	jr := &memJournal{}
	prices := &fakePrices{
		latest:     d("1.75"),
		historical: map[int64]decimal.Decimal{500: d("1.0")},
	}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: 0, Retries: 3, RetryDelay: time.Millisecond}, Deps{
		States:  states,
		Prices:  prices,
		Exec:    exec,
		Status:  fakeStatus{chain.ContractOpen},
		Journal: jr,
	})

	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, 1, states.callCount())
	require.Equal(t, 1, exec.batchCount())
	// 125 < 100×1.75×1.2 → 清算；|2.0-1.0|/1.0 > 0.05 → 争议；记录 1 → 提取
	require.Equal(t, []domain.ActionKind{domain.ActionLiquidate, domain.ActionDispute, domain.ActionSettle},
		kinds(exec.batch(0)))

	// 争议保证金 = 保证金比例 0.1 × 锁定抵押 100
	require.True(t, exec.batch(0)[1].TokensNeeded.Equal(d("10")))

	recs := jr.records()
	require.Len(t, recs, 1)
	require.Equal(t, "ok", recs[0].Status)
	require.Equal(t, uint64(42), recs[0].Block)
	require.Equal(t, 1, recs[0].Attempt)
	require.Len(t, recs[0].Actions, 3)

	info := s.LastCycle()
	require.NotNil(t, info)
	require.Equal(t, uint64(42), info.Block)
	require.True(t, info.ContractOpen)
	require.Equal(t, 3, info.Submitted)
	require.Equal(t, 0, info.Reverted)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	states := &fakeStates{snap: testSnapshot(), failures: 1 << 30}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: 0, Retries: 2, RetryDelay: time.Millisecond}, Deps{
		States: states,
		Prices: &fakePrices{latest: d("1.75")},
		Exec:   &fakeExec{},
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "3 次尝试均失败")
	// 恰好 retries+1 次尝试
	require.Equal(t, 3, states.callCount())
}

func TestRetryRecoversWithinBudget(t *testing.T) {
	states := &fakeStates{snap: testSnapshot(), failures: 2}
	exec := &fakeExec{}
	jr := &memJournal{}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: 0, Retries: 2, RetryDelay: time.Millisecond}, Deps{
		States:  states,
		Prices:  &fakePrices{latest: d("1.75"), historical: map[int64]decimal.Decimal{500: d("1.0")}},
		Exec:    exec,
		Journal: jr,
	})

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 3, states.callCount())
	require.Equal(t, 1, exec.batchCount())

	recs := jr.records()
	require.Len(t, recs, 1)
	require.Equal(t, 3, recs[0].Attempt)
}

func TestExpiredContractOnlySettles(t *testing.T) {
	exec := &fakeExec{}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: 0}, Deps{
		States: &fakeStates{snap: testSnapshot()},
		Prices: &fakePrices{latest: d("1.75"), historical: map[int64]decimal.Decimal{500: d("1.0")}},
		Exec:   exec,
		Status: fakeStatus{chain.ContractExpiredPriceRequested},
	})

	require.NoError(t, s.Run(context.Background()))

	// 到期后仓位不再清算、记录不再争议，只提取应得资金
	require.Equal(t, 1, exec.batchCount())
	require.Equal(t, []domain.ActionKind{domain.ActionSettle}, kinds(exec.batch(0)))

	info := s.LastCycle()
	require.NotNil(t, info)
	require.False(t, info.ContractOpen)
}

func TestMissingPriceSkipsDecisionsButCompletes(t *testing.T) {
	exec := &fakeExec{}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: 0}, Deps{
		States: &fakeStates{snap: testSnapshot()},
		Prices: &fakePrices{latestErr: pricefeed.ErrPriceUnavailable},
		Exec:   exec,
	})

	// 缺价不是致命错误：清算与争议被跳过，提取照常，周期以成功收尾
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 1, exec.batchCount())
	require.Equal(t, []domain.ActionKind{domain.ActionSettle}, kinds(exec.batch(0)))
}

func TestPriceOverrideBypassesMissingFeed(t *testing.T) {
	override := d("1.75")
	e, err := engine.New(engine.Config{DeviationTolerance: d("0.05"), PriceOverride: &override})
	require.NoError(t, err)

	exec := &fakeExec{}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: 0}, Deps{
		States: &fakeStates{snap: testSnapshot()},
		Prices: &fakePrices{latestErr: pricefeed.ErrPriceUnavailable},
		Engine: e,
		Exec:   exec,
	})

	// 覆盖价替代本轮所有参考价读取：报价源完全失效也照常决策
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, []domain.ActionKind{domain.ActionLiquidate, domain.ActionDispute, domain.ActionSettle},
		kinds(exec.batch(0)))
}

func TestNudgeTriggersImmediateCycle(t *testing.T) {
	states := &fakeStates{snap: testSnapshot()}
	exec := &fakeExec{done: make(chan struct{}, 8)}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: time.Hour, RetryDelay: time.Millisecond}, Deps{
		States: states,
		Prices: &fakePrices{latest: d("1.75"), historical: map[int64]decimal.Decimal{500: d("1.0")}},
		Exec:   exec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-exec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("首轮周期未执行")
	}

	// 轮询间隔是一小时，下一轮只能由手动触发带来
	s.Nudge()
	select {
	case <-exec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("手动触发未带来新一轮周期")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("取消后调度器未退出")
	}
	require.GreaterOrEqual(t, exec.batchCount(), 2)
}

func TestCancelDuringRetryWait(t *testing.T) {
	states := &fakeStates{snap: testSnapshot(), failures: 1 << 30}
	s := newTestScheduler(t, config.SchedulerConfig{PollingInterval: time.Hour, Retries: 10, RetryDelay: time.Hour}, Deps{
		States: states,
		Prices: &fakePrices{latest: d("1.75")},
		Exec:   &fakeExec{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// 等首次尝试失败进入重试等待后再取消
	require.Eventually(t, func() bool { return states.callCount() >= 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("取消后调度器未退出")
	}
}
