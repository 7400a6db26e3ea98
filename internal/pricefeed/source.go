package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/internal/temporal"
	"github.com/liqbot/goliq/pkg/config"
)

var log = logrus.WithField("component", "pricefeed")

// ErrPriceUnavailable 所需时间点没有可用的参考价格
var ErrPriceUnavailable = errors.New("参考价格不可用")

// Source 参考价格来源
type Source interface {
	// Update 拉取一次最新数据（流式源为空操作）
	Update(ctx context.Context) error
	// LatestPrice 返回当前生效的参考价格
	LatestPrice() (decimal.Decimal, error)
	// HistoricalPrice 返回指定时间戳生效的参考价格
	HistoricalPrice(ts int64) (decimal.Decimal, error)
}

// Runner 需要后台循环的价格源（轮询或流式订阅）
type Runner interface {
	Run(ctx context.Context)
}

// New 按配置构建价格源
func New(cfg config.PricesConfig, index *temporal.Index) (Source, error) {
	switch cfg.Source {
	case "http":
		return NewHTTPSource(cfg, index), nil
	case "ws":
		return NewStreamSource(cfg, index), nil
	case "fixed":
		return NewFixedSource(cfg.FixedPrice), nil
	default:
		return nil, fmt.Errorf("未知的价格源类型: %s", cfg.Source)
	}
}

// FixedSource 常量价格源（试运行与测试用）
type FixedSource struct {
	price decimal.Decimal
}

func NewFixedSource(price decimal.Decimal) *FixedSource {
	return &FixedSource{price: price}
}

func (s *FixedSource) Update(context.Context) error { return nil }

func (s *FixedSource) LatestPrice() (decimal.Decimal, error) { return s.price, nil }

func (s *FixedSource) HistoricalPrice(int64) (decimal.Decimal, error) { return s.price, nil }

// sampleTracker 把样本写入时间索引并跟踪最新报价
// 点查失败时可按配置回退到 TWAP
type sampleTracker struct {
	index        *temporal.Index
	maxStaleness int64
	twapLength   int64

	mu      sync.Mutex
	last    domain.PriceSample
	hasLast bool
}

// record 收录一个样本，时间索引与最新报价同步更新
func (t *sampleTracker) record(ts int64, price decimal.Decimal) bool {
	inserted := t.index.RecordPrice(ts, price)

	t.mu.Lock()
	if !t.hasLast || ts >= t.last.Timestamp {
		t.last = domain.PriceSample{Timestamp: ts, Price: price}
		t.hasLast = true
	}
	t.mu.Unlock()
	return inserted
}

func (t *sampleTracker) LatestPrice() (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasLast {
		return decimal.Zero, fmt.Errorf("尚未获取到任何报价: %w", ErrPriceUnavailable)
	}
	if age := time.Now().Unix() - t.last.Timestamp; t.maxStaleness > 0 && age > t.maxStaleness {
		return decimal.Zero, fmt.Errorf("最新报价已过期 %d 秒: %w", age, ErrPriceUnavailable)
	}
	return t.last.Price, nil
}

func (t *sampleTracker) HistoricalPrice(ts int64) (decimal.Decimal, error) {
	s, ok := t.index.LatestPriceBefore(ts)
	if ok && (t.maxStaleness <= 0 || ts-s.Timestamp <= t.maxStaleness) {
		return s.Price, nil
	}
	// 点查过期时回退到 TWAP（窗口长度为 0 表示关闭回退）
	if t.twapLength > 0 {
		if p, ok := t.index.TWAP(ts-t.twapLength, ts); ok {
			return p, nil
		}
	}
	return decimal.Zero, fmt.Errorf("时间点 %d 没有参考价格: %w", ts, ErrPriceUnavailable)
}
