package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/temporal"
	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/httpclient"
)

// tradeRecord 行情端点返回的单条成交记录
// price 兼容字符串与数字两种编码
type tradeRecord struct {
	Timestamp int64       `json:"timestamp"`
	Price     json.Number `json:"price"`
}

// HTTPSource 轮询 REST 行情端点的价格源
type HTTPSource struct {
	sampleTracker
	client   *httpclient.Client
	interval time.Duration
}

func NewHTTPSource(cfg config.PricesConfig, index *temporal.Index) *HTTPSource {
	return &HTTPSource{
		sampleTracker: sampleTracker{
			index:        index,
			maxStaleness: cfg.MaxStaleness,
			twapLength:   cfg.TWAPLength,
		},
		client:   httpclient.New(cfg.HTTPURL, 30*time.Second),
		interval: cfg.PollInterval,
	}
}

// Update 拉取自上次样本以来的成交记录并收录
func (s *HTTPSource) Update(ctx context.Context) error {
	params := map[string]string{}
	s.mu.Lock()
	if s.hasLast {
		params["after"] = strconv.FormatInt(s.last.Timestamp, 10)
	}
	s.mu.Unlock()

	var records []tradeRecord
	if err := s.client.GetJSON(ctx, "", params, &records); err != nil {
		return fmt.Errorf("拉取参考价格失败: %w", err)
	}

	added := 0
	for _, r := range records {
		price, err := decimal.NewFromString(r.Price.String())
		if err != nil || !price.IsPositive() || r.Timestamp <= 0 {
			log.Warnf("丢弃非法价格记录: ts=%d price=%q", r.Timestamp, r.Price.String())
			continue
		}
		if s.record(r.Timestamp, price) {
			added++
		}
	}
	if added > 0 {
		s.mu.Lock()
		log.Debugf("参考价格已更新: 新增 %d 条样本, 最新 %s@%d", added, s.last.Price, s.last.Timestamp)
		s.mu.Unlock()
	}
	return nil
}

// Run 按配置间隔持续轮询，单次失败只告警
func (s *HTTPSource) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Update(ctx); err != nil {
				log.Warnf("%v", err)
			}
		}
	}
}
