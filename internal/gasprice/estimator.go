package gasprice

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/httpclient"
)

var log = logrus.WithField("component", "gasprice")

// stationResponse gas station 端点的报价（gwei）
type stationResponse struct {
	Fast    json.Number `json:"fast"`
	Average json.Number `json:"average"`
}

// Estimator 周期性拉取 gas station 快速档报价
// 拉取失败沿用上次成功值，首次成功前回退到配置的默认值
type Estimator struct {
	client   *httpclient.Client
	interval time.Duration
	fallback *big.Int

	mu        sync.Mutex
	fast      *big.Int
	updatedAt time.Time
}

func New(cfg config.GasConfig) *Estimator {
	e := &Estimator{
		interval: cfg.RefreshInterval,
		fallback: new(big.Int).Mul(big.NewInt(cfg.DefaultFastGwei), big.NewInt(params.GWei)),
	}
	if cfg.StationURL != "" {
		e.client = httpclient.New(cfg.StationURL, 10*time.Second)
	}
	return e
}

// CurrentFastPrice 返回快速档 gas 价格（wei）
func (e *Estimator) CurrentFastPrice() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fast != nil {
		return new(big.Int).Set(e.fast)
	}
	return new(big.Int).Set(e.fallback)
}

// UpdatedAt 返回最近一次成功报价的时间（零值 = 从未成功）
func (e *Estimator) UpdatedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updatedAt
}

// Refresh 拉取一次报价
func (e *Estimator) Refresh(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	var out stationResponse
	if err := e.client.GetJSON(ctx, "", nil, &out); err != nil {
		return fmt.Errorf("拉取gas报价失败: %w", err)
	}
	gwei, err := decimal.NewFromString(out.Fast.String())
	if err != nil || !gwei.IsPositive() {
		return fmt.Errorf("gas报价非法: %q", out.Fast.String())
	}

	wei := gwei.Mul(decimal.New(params.GWei, 0)).BigInt()
	e.mu.Lock()
	e.fast = wei
	e.updatedAt = time.Now()
	e.mu.Unlock()

	log.Debugf("gas快速档已更新: %s gwei", gwei)
	return nil
}

// Run 按固定间隔刷新报价直到 ctx 取消
func (e *Estimator) Run(ctx context.Context) {
	if e.client == nil || e.interval <= 0 {
		return
	}
	if err := e.Refresh(ctx); err != nil {
		log.Warnf("%v", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				log.Warnf("%v", err)
			}
		}
	}
}
