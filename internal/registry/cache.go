package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/persistence"
)

var log = logrus.WithField("component", "registry")

// fetchWorkers 并发拉取仓位明细的工作协程数
const fetchWorkers = 8

// ContractReader 合约状态读取面
type ContractReader interface {
	GetPosition(ctx context.Context, sponsor common.Address) (domain.Position, error)
	GetLiquidations(ctx context.Context, sponsor common.Address) ([]domain.Liquidation, error)
	FetchSponsors(ctx context.Context, fromBlock, toBlock uint64) ([]common.Address, error)
	CollateralRequirement(ctx context.Context) (decimal.Decimal, error)
	LiquidationLiveness(ctx context.Context) (int64, error)
	DisputeBondPercentage(ctx context.Context) (decimal.Decimal, error)
}

// BlockSource 链头来源
type BlockSource interface {
	LatestBlock(ctx context.Context) (domain.Block, error)
}

// Snapshot 一次刷新得到的只读状态视图
// 新快照整体换入，旧快照对进行中的决策周期保持有效
type Snapshot struct {
	Positions    []domain.Position
	Liquidations []domain.Liquidation
	Block        uint64 // 快照对应的链头区块号
	BlockTime    int64  // 链头时间戳（账本时钟）
	Taken        time.Time

	CollateralRequirement decimal.Decimal
	LiquidationLiveness   int64
	DisputeBondPercentage decimal.Decimal
}

// Underwater 返回在给定参考价与扩边比例下抵押不足的仓位
func (s *Snapshot) Underwater(price, crThreshold decimal.Decimal) []domain.Position {
	var out []domain.Position
	for _, p := range s.Positions {
		if p.IsUnderwater(price, s.CollateralRequirement, crThreshold) {
			out = append(out, p)
		}
	}
	return out
}

// Undisputed 返回争议窗口内尚未被争议的清算记录
func (s *Snapshot) Undisputed() []domain.Liquidation {
	var out []domain.Liquidation
	for _, l := range s.Liquidations {
		if l.State == domain.StatePreDispute {
			out = append(out, l)
		}
	}
	return out
}

// SettleableBy 返回 account 当前可提取的清算记录
func (s *Snapshot) SettleableBy(account common.Address, now int64) []domain.Liquidation {
	var out []domain.Liquidation
	for _, l := range s.Liquidations {
		if l.SettleableBy(account, now, s.LiquidationLiveness) {
			out = append(out, l)
		}
	}
	return out
}

// cursorState 事件扫描游标（JSON 持久化）
type cursorState struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
}

// Cache 仓位状态缓存
// 事件扫描自上次游标继续，sponsor 集合只增不减；每次 Refresh
// 整体重建快照并原子换入
type Cache struct {
	contract ContractReader
	blocks   BlockSource
	monitor  config.MonitorConfig
	store    persistence.Store // 游标存储，可为 nil

	sponsors map[common.Address]struct{}
	cursor   cursorState

	snapshot atomic.Pointer[Snapshot]

	// 合约常量，首次刷新时读取后复用
	crRequirement *decimal.Decimal
	liveness      *int64
	disputeBond   *decimal.Decimal
}

// NewCache 创建仓位状态缓存；store 传 nil 则游标不持久化
func NewCache(contract ContractReader, blocks BlockSource, monitor config.MonitorConfig, store persistence.Store) *Cache {
	c := &Cache{
		contract: contract,
		blocks:   blocks,
		monitor:  monitor,
		store:    store,
		sponsors: make(map[common.Address]struct{}),
	}
	if store != nil {
		var saved cursorState
		err := store.Load(&saved)
		switch {
		case err == nil && saved.LastProcessedBlock > 0:
			c.cursor = saved
			log.Infof("事件游标已恢复: 区块 %d", saved.LastProcessedBlock)
		case err != nil && !errors.Is(err, persistence.ErrNotExists):
			log.Warnf("读取事件游标失败: %v", err)
		}
	}
	return c
}

// Current 返回最近一次刷新得到的快照（从未刷新为 nil）
func (c *Cache) Current() *Snapshot {
	return c.snapshot.Load()
}

// Refresh 重读账本状态并换入新快照
// 扫描游标之后的新事件补全 sponsor 集合，再并发拉取每个目标的
// 仓位与清算记录
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	head, err := c.blocks.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链头失败: %w", err)
	}
	if err := c.ensureParams(ctx); err != nil {
		return nil, err
	}
	if err := c.scanEvents(ctx, head.Number); err != nil {
		return nil, err
	}

	targets := c.targets()
	positions, liquidations, err := c.fetchStates(ctx, targets)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Positions:             positions,
		Liquidations:          liquidations,
		Block:                 head.Number,
		BlockTime:             head.Timestamp,
		Taken:                 time.Now(),
		CollateralRequirement: *c.crRequirement,
		LiquidationLiveness:   *c.liveness,
		DisputeBondPercentage: *c.disputeBond,
	}
	c.snapshot.Store(snap)

	log.Infof("状态快照已刷新: 区块 %d, %d 个仓位, %d 条清算记录",
		snap.Block, len(snap.Positions), len(snap.Liquidations))
	return snap, nil
}

// ensureParams 读取合约常量（只读一次）
func (c *Cache) ensureParams(ctx context.Context) error {
	if c.crRequirement != nil && c.liveness != nil && c.disputeBond != nil {
		return nil
	}
	cr, err := c.contract.CollateralRequirement(ctx)
	if err != nil {
		return fmt.Errorf("读取抵押率要求失败: %w", err)
	}
	lv, err := c.contract.LiquidationLiveness(ctx)
	if err != nil {
		return fmt.Errorf("读取争议窗口失败: %w", err)
	}
	bond, err := c.contract.DisputeBondPercentage(ctx)
	if err != nil {
		return fmt.Errorf("读取争议保证金比例失败: %w", err)
	}
	c.crRequirement = &cr
	c.liveness = &lv
	c.disputeBond = &bond
	log.Infof("合约参数: 抵押率要求 %s, 争议窗口 %d 秒, 争议保证金比例 %s", cr, lv, bond)
	return nil
}

// scanEvents 扫描游标之后的 sponsor 事件并推进游标
func (c *Cache) scanEvents(ctx context.Context, headBlock uint64) error {
	from := c.monitor.StartBlock
	if c.cursor.LastProcessedBlock > 0 {
		from = c.cursor.LastProcessedBlock + 1
	}
	to := headBlock
	if c.monitor.EndBlock > 0 && to > c.monitor.EndBlock {
		to = c.monitor.EndBlock
	}
	if from > to {
		return nil
	}

	found, err := c.contract.FetchSponsors(ctx, from, to)
	if err != nil {
		return fmt.Errorf("扫描sponsor事件失败: %w", err)
	}
	for _, s := range found {
		c.sponsors[s] = struct{}{}
	}
	if len(found) > 0 {
		log.Debugf("事件扫描 [%d, %d]: 发现 %d 个 sponsor", from, to, len(found))
	}

	c.cursor.LastProcessedBlock = to
	if c.store != nil {
		if err := c.store.Save(&c.cursor); err != nil {
			// 游标写失败只会导致下次多扫一段，去重后无副作用
			log.Warnf("保存事件游标失败: %v", err)
		}
	}
	return nil
}

// targets 返回本轮要拉取的地址集合
// 配置了监控地址时只看配置的集合，否则取事件发现的全集
func (c *Cache) targets() []common.Address {
	if len(c.monitor.Addresses) > 0 {
		return c.monitor.Addresses
	}
	out := make([]common.Address, 0, len(c.sponsors))
	for s := range c.sponsors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

type sponsorState struct {
	pos  domain.Position
	liqs []domain.Liquidation
	err  error
}

// fetchStates 并发拉取每个 sponsor 的仓位与清算记录
func (c *Cache) fetchStates(ctx context.Context, targets []common.Address) ([]domain.Position, []domain.Liquidation, error) {
	if len(targets) == 0 {
		return nil, nil, nil
	}

	jobs := make(chan common.Address)
	results := make(chan sponsorState, len(targets))

	workers := fetchWorkers
	if workers > len(targets) {
		workers = len(targets)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for sponsor := range jobs {
				pos, err := c.contract.GetPosition(ctx, sponsor)
				if err != nil {
					results <- sponsorState{err: fmt.Errorf("读取 %s 仓位失败: %w", sponsor.Hex(), err)}
					continue
				}
				liqs, err := c.contract.GetLiquidations(ctx, sponsor)
				if err != nil {
					results <- sponsorState{err: fmt.Errorf("读取 %s 清算记录失败: %w", sponsor.Hex(), err)}
					continue
				}
				results <- sponsorState{pos: pos, liqs: liqs}
			}
		}()
	}
	go func() {
		// 每个任务必定产生一个结果；ctx 取消时由合约调用快速失败收尾
		for _, s := range targets {
			jobs <- s
		}
		close(jobs)
	}()

	var positions []domain.Position
	var liquidations []domain.Liquidation
	var firstErr error
	for range targets {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		// 已平仓的 sponsor 仍可能有待结清的清算记录
		if r.pos.TokensOutstanding.IsPositive() || r.pos.Collateral.IsPositive() {
			positions = append(positions, r.pos)
		}
		for _, l := range r.liqs {
			if !l.IsZeroed() {
				liquidations = append(liquidations, l)
			}
		}
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}

	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positions[i].Sponsor[:], positions[j].Sponsor[:]) < 0
	})
	sort.Slice(liquidations, func(i, j int) bool {
		if liquidations[i].Sponsor != liquidations[j].Sponsor {
			return bytes.Compare(liquidations[i].Sponsor[:], liquidations[j].Sponsor[:]) < 0
		}
		return liquidations[i].ID < liquidations[j].ID
	})
	return positions, liquidations, nil
}
