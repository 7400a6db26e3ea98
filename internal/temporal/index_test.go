package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/domain"
)

// fakeChain 固定出块间隔的模拟链，记录抓取次数
type fakeChain struct {
	mu          sync.Mutex
	blocks      []domain.Block
	numberCalls int
	latestCalls int
}

func newFakeChain(genesis, interval int64, n int) *fakeChain {
	blocks := make([]domain.Block, n)
	for i := range blocks {
		blocks[i] = domain.Block{Number: uint64(i), Timestamp: genesis + int64(i)*interval}
	}
	return &fakeChain{blocks: blocks}
}

func (f *fakeChain) BlockByNumber(_ context.Context, number uint64) (domain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numberCalls++
	if number >= uint64(len(f.blocks)) {
		return domain.Block{}, fmt.Errorf("区块 %d 不存在", number)
	}
	return f.blocks[number], nil
}

func (f *fakeChain) LatestBlock(_ context.Context) (domain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.blocks[len(f.blocks)-1], nil
}

func (f *fakeChain) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numberCalls, f.latestCalls
}

// fakeStore 内存版持久化，验证挂钩行为用
type fakeStore struct {
	mu     sync.Mutex
	blocks []domain.Block
	prices []domain.PriceSample
}

func (s *fakeStore) PutBlock(b domain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *fakeStore) Blocks(fn func(domain.Block) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) PutPrice(p domain.PriceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = append(s.prices, p)
	return nil
}

func (s *fakeStore) Prices(fn func(domain.PriceSample) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prices {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

const genesisTime = int64(1_600_000_000)

func TestBlockAtRoundTrip(t *testing.T) {
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, nil)
	ctx := context.Background()

	// 精确命中某个区块的时间戳应返回该区块
	want := chain.blocks[57]
	got, err := idx.BlockAt(ctx, want.Timestamp)
	if err != nil {
		t.Fatalf("BlockAt: %v", err)
	}
	if got != want {
		t.Fatalf("BlockAt(%d) = %+v, want %+v", want.Timestamp, got, want)
	}
}

func TestBlockAtBetweenBlocks(t *testing.T) {
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		ts   int64
		want uint64
	}{
		{"块间偏后", chain.blocks[57].Timestamp + 5, 57},
		{"下一块前一秒", chain.blocks[58].Timestamp - 1, 57},
		{"贴近创世", genesisTime + 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.BlockAt(ctx, tt.ts)
			if err != nil {
				t.Fatalf("BlockAt(%d): %v", tt.ts, err)
			}
			if got.Number != tt.want {
				t.Fatalf("BlockAt(%d) = 区块 %d, want %d", tt.ts, got.Number, tt.want)
			}
		})
	}
}

func TestBlockAtIdempotentNoRefetch(t *testing.T) {
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, nil)
	ctx := context.Background()
	ts := chain.blocks[123].Timestamp + 3

	first, err := idx.BlockAt(ctx, ts)
	if err != nil {
		t.Fatalf("第一次查询: %v", err)
	}
	n1, l1 := chain.calls()

	second, err := idx.BlockAt(ctx, ts)
	if err != nil {
		t.Fatalf("第二次查询: %v", err)
	}
	n2, l2 := chain.calls()

	if first != second {
		t.Fatalf("两次结果不一致: %+v vs %+v", first, second)
	}
	if n2 != n1 || l2 != l1 {
		t.Fatalf("第二次查询不应重新抓取: 抓块 %d→%d, 链头 %d→%d", n1, n2, l1, l2)
	}
}

func TestBlockAtFutureTimestamp(t *testing.T) {
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, nil)

	head := chain.blocks[len(chain.blocks)-1]
	got, err := idx.BlockAt(context.Background(), head.Timestamp+3600)
	if err != nil {
		t.Fatalf("BlockAt: %v", err)
	}
	if got != head {
		t.Fatalf("未来时间戳应返回链头 %d, got %d", head.Number, got.Number)
	}
}

func TestBlockAtBeforeGenesis(t *testing.T) {
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, nil)

	_, err := idx.BlockAt(context.Background(), genesisTime-1)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("早于创世区块应返回 ErrOutOfRange, got %v", err)
	}
}

func TestRefreshWindow(t *testing.T) {
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, nil)
	ctx := context.Background()

	head := chain.blocks[len(chain.blocks)-1]
	now := head.Timestamp
	windowStart := now - 100

	inserted, err := idx.RefreshWindow(ctx, 100, now)
	if err != nil {
		t.Fatalf("RefreshWindow: %v", err)
	}
	// 窗口覆盖区块 189..199，链头在窗口刷新前已单独插入
	if inserted != 10 {
		t.Fatalf("inserted = %d, want 10", inserted)
	}
	nb, _ := idx.Size()
	if nb != 11 {
		t.Fatalf("缓存区块数 = %d, want 11", nb)
	}
	idx.mu.Lock()
	for _, b := range idx.blocks {
		if b.Timestamp < windowStart || b.Timestamp > now {
			t.Fatalf("区块 %d@%d 落在窗口 [%d, %d] 之外", b.Number, b.Timestamp, windowStart, now)
		}
	}
	idx.mu.Unlock()

	// 再次刷新不应重复插入
	inserted, err = idx.RefreshWindow(ctx, 100, now)
	if err != nil {
		t.Fatalf("第二次 RefreshWindow: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("第二次刷新 inserted = %d, want 0", inserted)
	}
}

func TestStorePersistAndPreload(t *testing.T) {
	store := &fakeStore{}
	chain := newFakeChain(genesisTime, 10, 200)
	idx := NewIndex(chain, store)
	ctx := context.Background()
	ts := chain.blocks[88].Timestamp + 2

	if _, err := idx.BlockAt(ctx, ts); err != nil {
		t.Fatalf("BlockAt: %v", err)
	}
	idx.RecordPrice(ts, decimal.NewFromFloat(1.75))
	if len(store.blocks) == 0 || len(store.prices) != 1 {
		t.Fatalf("持久化未生效: blocks=%d prices=%d", len(store.blocks), len(store.prices))
	}

	// 新索引回放后无需再抓链
	chain2 := newFakeChain(genesisTime, 10, 200)
	idx2 := NewIndex(chain2, store)
	if err := idx2.Preload(); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	got, err := idx2.BlockAt(ctx, ts)
	if err != nil {
		t.Fatalf("回放后 BlockAt: %v", err)
	}
	if got.Number != 88 {
		t.Fatalf("回放后 BlockAt = 区块 %d, want 88", got.Number)
	}
	if n, l := chain2.calls(); n != 0 || l != 0 {
		t.Fatalf("回放后不应访问链: 抓块 %d, 链头 %d", n, l)
	}
	if p, ok := idx2.PriceAt(ts); !ok || !p.Equal(decimal.NewFromFloat(1.75)) {
		t.Fatalf("回放后价格丢失: %v %v", p, ok)
	}
}

func TestAddBlockRejectsCorruptData(t *testing.T) {
	t.Run("时间戳非单调", func(t *testing.T) {
		idx := NewIndex(nil, nil)
		idx.addBlock(domain.Block{Number: 10, Timestamp: 100})
		defer func() {
			if recover() == nil {
				t.Fatal("非单调时间戳应触发 panic")
			}
		}()
		idx.addBlock(domain.Block{Number: 11, Timestamp: 90})
	})

	t.Run("同号不同时间戳", func(t *testing.T) {
		idx := NewIndex(nil, nil)
		idx.addBlock(domain.Block{Number: 10, Timestamp: 100})
		defer func() {
			if recover() == nil {
				t.Fatal("同号不同时间戳应触发 panic")
			}
		}()
		idx.addBlock(domain.Block{Number: 10, Timestamp: 101})
	})
}

func TestRecordPriceIdempotent(t *testing.T) {
	idx := NewIndex(nil, nil)

	if !idx.RecordPrice(100, decimal.NewFromFloat(1.5)) {
		t.Fatal("首次插入应返回 true")
	}
	if idx.RecordPrice(100, decimal.NewFromFloat(2.5)) {
		t.Fatal("重复插入应返回 false")
	}
	p, ok := idx.PriceAt(100)
	if !ok || !p.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("重复插入不应覆盖原值: %v", p)
	}

	if _, ok := idx.LatestPriceBefore(99); ok {
		t.Fatal("99 之前没有样本")
	}
	s, ok := idx.LatestPriceBefore(150)
	if !ok || s.Timestamp != 100 {
		t.Fatalf("LatestPriceBefore(150) = %+v, want 时间戳 100", s)
	}
}
