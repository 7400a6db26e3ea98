package pricefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/temporal"
	"github.com/liqbot/goliq/pkg/config"
)

const (
	reconnectDelay = 2 * time.Second
	readTimeout    = 45 * time.Second
)

// streamTick 行情流推送的单条报价
type streamTick struct {
	Timestamp int64       `json:"timestamp"`
	Price     json.Number `json:"price"`
}

// StreamSource 基于 websocket 订阅的价格源，断线自动重连
type StreamSource struct {
	sampleTracker
	url string
}

func NewStreamSource(cfg config.PricesConfig, index *temporal.Index) *StreamSource {
	return &StreamSource{
		sampleTracker: sampleTracker{
			index:        index,
			maxStaleness: cfg.MaxStaleness,
			twapLength:   cfg.TWAPLength,
		},
		url: cfg.WSURL,
	}
}

// Update 流式源由后台循环持续收录，这里无需动作
func (s *StreamSource) Update(context.Context) error { return nil }

// Run 维持订阅连接直到 ctx 取消
func (s *StreamSource) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("连接行情流失败: %v，%s 后重试", err, reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}
		log.Infof("行情流已连接: %s", s.url)

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})

		if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			log.Warnf("行情流中断: %v，重连中", err)
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *StreamSource) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		// 心跳等非行情消息直接略过
		var tick streamTick
		if err := json.Unmarshal(msg, &tick); err != nil {
			continue
		}
		price, err := decimal.NewFromString(tick.Price.String())
		if err != nil || !price.IsPositive() || tick.Timestamp <= 0 {
			continue
		}
		s.record(tick.Timestamp, price)
	}
}
