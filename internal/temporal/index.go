package temporal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/domain"
)

var log = logrus.WithField("component", "temporal")

// ErrOutOfRange 查询时间戳早于账本创世区块
var ErrOutOfRange = errors.New("时间戳早于创世区块")

const (
	// defaultAverageBlockTime 缓存不足两个区块时使用的平均出块间隔（秒）
	defaultAverageBlockTime = 13
	// windowSafetyFactor 窗口回溯的安全系数，宁可多取不可漏取
	windowSafetyFactor = 1.5
	// refreshWorkers 窗口刷新的并发抓取上限
	refreshWorkers = 8
)

// BlockFetcher 账本区块来源
type BlockFetcher interface {
	BlockByNumber(ctx context.Context, number uint64) (domain.Block, error)
	LatestBlock(ctx context.Context) (domain.Block, error)
}

// Store 可选的持久化挂钩：启动时回放历史数据，抓到新数据时追加
type Store interface {
	PutBlock(b domain.Block) error
	Blocks(fn func(domain.Block) error) error
	PutPrice(p domain.PriceSample) error
	Prices(fn func(domain.PriceSample) error) error
}

// Index 时间索引：区块号↔时间戳映射与历史价格缓存
//
// 区块按时间戳升序缓存（时间戳随区块号单调不减，因此同时按号有序），
// 条目一旦插入不可变更。所有查询只信任真实抓取到的数据，
// 断言失效意味着代码缺陷，直接 panic 而不是吞掉。
type Index struct {
	fetcher BlockFetcher
	store   Store // 可为 nil，纯内存模式

	mu         sync.Mutex
	blocks     []domain.Block
	prices     map[int64]decimal.Decimal
	priceTimes []int64
}

// NewIndex 创建时间索引；store 传 nil 则不持久化
func NewIndex(fetcher BlockFetcher, store Store) *Index {
	return &Index{
		fetcher: fetcher,
		store:   store,
		prices:  make(map[int64]decimal.Decimal),
	}
}

// Preload 从持久化存储回放历史区块与价格样本
func (ix *Index) Preload() error {
	if ix.store == nil {
		return nil
	}
	nb, np := 0, 0
	err := ix.store.Blocks(func(b domain.Block) error {
		if ix.addBlock(b) {
			nb++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("回放历史区块失败: %w", err)
	}
	err = ix.store.Prices(func(p domain.PriceSample) error {
		if ix.addPrice(p.Timestamp, p.Price) {
			np++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("回放历史价格失败: %w", err)
	}
	if nb+np > 0 {
		log.Infof("已从本地存储恢复 %d 个区块、%d 个价格样本", nb, np)
	}
	return nil
}

// BlockAt 返回时间戳不晚于 ts 的最新区块
//
// 在两个已缓存的括号区块之间做插值搜索：估计值被钳制在括号内部，
// 每步至少收缩一个区块，括号相邻时直接返回低端。缓存中没有更早的
// 区块时按平均出块时间向前倍增回溯，到创世区块为止。
func (ix *Index) BlockAt(ctx context.Context, ts int64) (domain.Block, error) {
	// 查询晚于缓存最新区块时先补链头
	newest, ok := ix.newest()
	if !ok || ts > newest.Timestamp {
		latest, err := ix.fetcher.LatestBlock(ctx)
		if err != nil {
			return domain.Block{}, err
		}
		ix.insertFetched(latest)
		if latest.Timestamp <= ts {
			return latest, nil
		}
	}

	low, high, err := ix.bracket(ctx, ts)
	if err != nil {
		return domain.Block{}, err
	}
	if high == nil {
		// ts 恰好等于缓存最新区块的时间戳
		return *low, nil
	}

	lo, hi := *low, *high
	for {
		if hi.Number <= lo.Number || hi.Timestamp < lo.Timestamp {
			panic(fmt.Sprintf("区块括号倒置: %d@%d 对 %d@%d", lo.Number, lo.Timestamp, hi.Number, hi.Timestamp))
		}
		if hi.Number-lo.Number == 1 {
			return lo, nil
		}
		b, err := ix.fetchBlock(ctx, interpolate(lo, hi, ts))
		if err != nil {
			return domain.Block{}, err
		}
		if b.Timestamp <= ts {
			lo = b
		} else {
			hi = b
		}
	}
}

// bracket 确定 ts 的括号区块：lo.Timestamp ≤ ts，hi 为缓存中 ts 之后最近的区块
// 缓存中没有更早区块时从 hi 向前倍增回溯建立 lo
func (ix *Index) bracket(ctx context.Context, ts int64) (*domain.Block, *domain.Block, error) {
	lo, hi := ix.neighbors(ts)
	if lo != nil {
		return lo, hi, nil
	}

	anchor := *hi
	dist := (anchor.Timestamp-ts)/ix.averageBlockTime() + 1
	for {
		if anchor.Number == 0 {
			return nil, nil, fmt.Errorf("时间戳 %d 早于区块 0 (时间戳 %d): %w", ts, anchor.Timestamp, ErrOutOfRange)
		}
		target := uint64(0)
		if uint64(dist) < anchor.Number {
			target = anchor.Number - uint64(dist)
		}
		b, err := ix.fetchBlock(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		if b.Timestamp <= ts {
			return &b, &anchor, nil
		}
		anchor = b
		dist *= 2
	}
}

// interpolate 按时间占比线性估计目标区块号，钳制到括号内部
func interpolate(lo, hi domain.Block, ts int64) uint64 {
	gap := hi.Number - lo.Number
	span := hi.Timestamp - lo.Timestamp

	estimate := lo.Number + gap/2
	if span > 0 {
		estimate = lo.Number + uint64((ts-lo.Timestamp)*int64(gap)/span)
	}
	if estimate <= lo.Number {
		estimate = lo.Number + 1
	}
	if estimate >= hi.Number {
		estimate = hi.Number - 1
	}
	return estimate
}

// RefreshWindow 抓取 [now-lookback, now] 窗口内的区块并插入索引
// 返回本次新插入的区块数
func (ix *Index) RefreshWindow(ctx context.Context, lookback, now int64) (int, error) {
	latest, err := ix.fetcher.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	ix.insertFetched(latest)

	windowStart := now - lookback
	if latest.Timestamp < windowStart {
		return 0, nil
	}

	back := int64(float64(latest.Timestamp-windowStart)/float64(ix.averageBlockTime())*windowSafetyFactor) + 1
	earliest := uint64(0)
	if uint64(back) < latest.Number {
		earliest = latest.Number - uint64(back)
	}

	var want []uint64
	for n := earliest; n <= latest.Number; n++ {
		if _, ok := ix.cachedBlock(n); !ok {
			want = append(want, n)
		}
	}
	if len(want) == 0 {
		return 0, nil
	}
	log.Debugf("刷新区块窗口: [%d, %d] 待抓取 %d 个区块", earliest, latest.Number, len(want))

	sem := make(chan struct{}, refreshWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	inserted := 0

	for _, n := range want {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(number uint64) {
			defer wg.Done()
			defer func() { <-sem }()

			b, err := ix.fetcher.BlockByNumber(ctx, number)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			// 只收窗口内的区块
			if b.Timestamp < windowStart || b.Timestamp > now {
				return
			}
			if ix.insertFetched(b) {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()

	if firstErr != nil {
		return inserted, fmt.Errorf("刷新区块窗口失败: %w", firstErr)
	}
	return inserted, nil
}

// fetchBlock 按编号取区块：缓存命中直接返回，否则抓取并插入
func (ix *Index) fetchBlock(ctx context.Context, number uint64) (domain.Block, error) {
	if b, ok := ix.cachedBlock(number); ok {
		return b, nil
	}
	b, err := ix.fetcher.BlockByNumber(ctx, number)
	if err != nil {
		return domain.Block{}, err
	}
	ix.insertFetched(b)
	return b, nil
}

// insertFetched 插入抓取到的区块并追加持久化（尽力而为）
func (ix *Index) insertFetched(b domain.Block) bool {
	if !ix.addBlock(b) {
		return false
	}
	if ix.store != nil {
		if err := ix.store.PutBlock(b); err != nil {
			log.Warnf("持久化区块 %d 失败: %v", b.Number, err)
		}
	}
	return true
}

// addBlock 幂等插入，保持按号有序；时间戳非单调说明数据或代码有缺陷
func (ix *Index) addBlock(b domain.Block) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := sort.Search(len(ix.blocks), func(i int) bool { return ix.blocks[i].Number >= b.Number })
	if i < len(ix.blocks) && ix.blocks[i].Number == b.Number {
		if ix.blocks[i].Timestamp != b.Timestamp {
			panic(fmt.Sprintf("区块 %d 出现两个时间戳: %d 与 %d", b.Number, ix.blocks[i].Timestamp, b.Timestamp))
		}
		return false
	}
	if i > 0 && ix.blocks[i-1].Timestamp > b.Timestamp {
		panic(fmt.Sprintf("区块时间戳非单调: %d@%d 早于前驱 %d@%d", b.Number, b.Timestamp, ix.blocks[i-1].Number, ix.blocks[i-1].Timestamp))
	}
	if i < len(ix.blocks) && ix.blocks[i].Timestamp < b.Timestamp {
		panic(fmt.Sprintf("区块时间戳非单调: %d@%d 晚于后继 %d@%d", b.Number, b.Timestamp, ix.blocks[i].Number, ix.blocks[i].Timestamp))
	}

	ix.blocks = append(ix.blocks, domain.Block{})
	copy(ix.blocks[i+1:], ix.blocks[i:])
	ix.blocks[i] = b
	return true
}

// neighbors 返回缓存中 ts 两侧最近的区块（按时间戳）
func (ix *Index) neighbors(ts int64) (*domain.Block, *domain.Block) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := sort.Search(len(ix.blocks), func(i int) bool { return ix.blocks[i].Timestamp > ts })
	var lo, hi *domain.Block
	if i > 0 {
		b := ix.blocks[i-1]
		lo = &b
	}
	if i < len(ix.blocks) {
		b := ix.blocks[i]
		hi = &b
	}
	return lo, hi
}

func (ix *Index) cachedBlock(number uint64) (domain.Block, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := sort.Search(len(ix.blocks), func(i int) bool { return ix.blocks[i].Number >= number })
	if i < len(ix.blocks) && ix.blocks[i].Number == number {
		return ix.blocks[i], true
	}
	return domain.Block{}, false
}

func (ix *Index) newest() (domain.Block, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.blocks) == 0 {
		return domain.Block{}, false
	}
	return ix.blocks[len(ix.blocks)-1], true
}

// averageBlockTime 按缓存首尾估算平均出块间隔（秒）
func (ix *Index) averageBlockTime() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := len(ix.blocks)
	if n < 2 {
		return defaultAverageBlockTime
	}
	first, last := ix.blocks[0], ix.blocks[n-1]
	if last.Number <= first.Number || last.Timestamp <= first.Timestamp {
		return defaultAverageBlockTime
	}
	avg := (last.Timestamp - first.Timestamp) / int64(last.Number-first.Number)
	if avg < 1 {
		avg = 1
	}
	return avg
}

// RecordPrice 记录一个价格样本（幂等，已存在则忽略）
func (ix *Index) RecordPrice(ts int64, price decimal.Decimal) bool {
	if !ix.addPrice(ts, price) {
		return false
	}
	if ix.store != nil {
		if err := ix.store.PutPrice(domain.PriceSample{Timestamp: ts, Price: price}); err != nil {
			log.Warnf("持久化价格样本 %d 失败: %v", ts, err)
		}
	}
	return true
}

func (ix *Index) addPrice(ts int64, price decimal.Decimal) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.prices[ts]; ok {
		return false
	}
	ix.prices[ts] = price

	i := sort.Search(len(ix.priceTimes), func(i int) bool { return ix.priceTimes[i] >= ts })
	ix.priceTimes = append(ix.priceTimes, 0)
	copy(ix.priceTimes[i+1:], ix.priceTimes[i:])
	ix.priceTimes[i] = ts
	return true
}

// PriceAt 查询指定时间戳的价格样本
func (ix *Index) PriceAt(ts int64) (decimal.Decimal, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	p, ok := ix.prices[ts]
	return p, ok
}

// LatestPriceBefore 返回时间戳不晚于 ts 的最新价格样本
func (ix *Index) LatestPriceBefore(ts int64) (domain.PriceSample, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	i := sort.Search(len(ix.priceTimes), func(i int) bool { return ix.priceTimes[i] > ts })
	if i == 0 {
		return domain.PriceSample{}, false
	}
	t := ix.priceTimes[i-1]
	return domain.PriceSample{Timestamp: t, Price: ix.prices[t]}, true
}

// PriceWindow 返回 [start, end] 内按时间升序的样本，以及窗口开始时仍生效的上一个价格
func (ix *Index) PriceWindow(start, end int64) ([]domain.PriceSample, *decimal.Decimal) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	loIdx := sort.Search(len(ix.priceTimes), func(i int) bool { return ix.priceTimes[i] >= start })
	hiIdx := sort.Search(len(ix.priceTimes), func(i int) bool { return ix.priceTimes[i] > end })

	samples := make([]domain.PriceSample, 0, hiIdx-loIdx)
	for _, t := range ix.priceTimes[loIdx:hiIdx] {
		samples = append(samples, domain.PriceSample{Timestamp: t, Price: ix.prices[t]})
	}

	var carry *decimal.Decimal
	if loIdx > 0 {
		p := ix.prices[ix.priceTimes[loIdx-1]]
		carry = &p
	}
	return samples, carry
}

// TWAP 计算 [start, end] 窗口内缓存价格的时间加权平均
func (ix *Index) TWAP(start, end int64) (decimal.Decimal, bool) {
	samples, carry := ix.PriceWindow(start, end)
	return TimeWeightedAverage(samples, start, end, carry)
}

// Size 返回缓存规模（区块数、价格样本数）
func (ix *Index) Size() (int, int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return len(ix.blocks), len(ix.prices)
}
