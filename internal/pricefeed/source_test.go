package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/liqbot/goliq/internal/temporal"
	"github.com/liqbot/goliq/pkg/config"
)

func TestFixedSource(t *testing.T) {
	src := NewFixedSource(decimal.RequireFromString("1.75"))

	require.NoError(t, src.Update(context.Background()))
	p, err := src.LatestPrice()
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.RequireFromString("1.75")))
	h, err := src.HistoricalPrice(12345)
	require.NoError(t, err)
	require.True(t, h.Equal(p))
}

func TestHTTPSourceUpdate(t *testing.T) {
	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// 带游标的请求只回增量
		if r.URL.Query().Get("after") != "" {
			fmt.Fprintf(w, `[{"timestamp": %d, "price": "1.80"}]`, now)
			return
		}
		// 字符串与数字两种价格编码都要兼容
		fmt.Fprintf(w, `[{"timestamp": %d, "price": "1.70"}, {"timestamp": %d, "price": 1.75}]`, now-60, now-30)
	}))
	defer srv.Close()

	idx := temporal.NewIndex(nil, nil)
	src := NewHTTPSource(config.PricesConfig{HTTPURL: srv.URL, MaxStaleness: 600}, idx)
	ctx := context.Background()

	require.NoError(t, src.Update(ctx))
	p, err := src.LatestPrice()
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.RequireFromString("1.75")), "got %s", p)

	require.NoError(t, src.Update(ctx))
	p, err = src.LatestPrice()
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.RequireFromString("1.80")), "got %s", p)

	// 历史点查取 ts 之前最近的样本
	h, err := src.HistoricalPrice(now - 40)
	require.NoError(t, err)
	require.True(t, h.Equal(decimal.RequireFromString("1.70")), "got %s", h)

	// 样本也进了时间索引
	_, np := idx.Size()
	require.Equal(t, 3, np)
}

func TestHTTPSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(config.PricesConfig{HTTPURL: srv.URL}, temporal.NewIndex(nil, nil))
	require.Error(t, src.Update(context.Background()))

	_, err := src.LatestPrice()
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestHTTPSourceSkipsMalformedRecords(t *testing.T) {
	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"timestamp": 0, "price": "1.70"}, {"timestamp": %d, "price": "-2"}, {"timestamp": %d, "price": "1.75"}]`, now-10, now)
	}))
	defer srv.Close()

	idx := temporal.NewIndex(nil, nil)
	src := NewHTTPSource(config.PricesConfig{HTTPURL: srv.URL, MaxStaleness: 600}, idx)

	require.NoError(t, src.Update(context.Background()))
	p, err := src.LatestPrice()
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.RequireFromString("1.75")))
	_, np := idx.Size()
	require.Equal(t, 1, np, "非法记录不应入库")
}

func TestHistoricalPriceFallsBackToTWAP(t *testing.T) {
	idx := temporal.NewIndex(nil, nil)
	tracker := sampleTracker{index: idx, maxStaleness: 100, twapLength: 400}
	tracker.record(1000, decimal.NewFromInt(2))
	tracker.record(1200, decimal.NewFromInt(3))

	// 点查在保鲜期内直接命中
	p, err := tracker.HistoricalPrice(1250)
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.NewFromInt(3)))

	// 最近样本过期 → TWAP 回退: 2×200s + 3×200s / 400s = 2.5
	p, err = tracker.HistoricalPrice(1400)
	require.NoError(t, err)
	require.True(t, p.Equal(decimal.RequireFromString("2.5")), "got %s", p)

	// 窗口早于全部样本 → 不可用
	_, err = tracker.HistoricalPrice(500)
	require.ErrorIs(t, err, ErrPriceUnavailable)

	// 关闭回退后过期点查直接不可用
	noFallback := sampleTracker{index: idx, maxStaleness: 100}
	_, err = noFallback.HistoricalPrice(1400)
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestStreamSourceReceivesTicks(t *testing.T) {
	now := time.Now().Unix()
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"timestamp": now - 5, "price": "1.70"})
		_ = conn.WriteJSON(map[string]any{"timestamp": now, "price": 1.75})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		<-done
	}))
	defer srv.Close()
	defer close(done)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	idx := temporal.NewIndex(nil, nil)
	src := NewStreamSource(config.PricesConfig{WSURL: wsURL, MaxStaleness: 600}, idx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	require.Eventually(t, func() bool {
		p, err := src.LatestPrice()
		return err == nil && p.Equal(decimal.RequireFromString("1.75"))
	}, 3*time.Second, 20*time.Millisecond, "等待行情流报价")

	require.NoError(t, src.Update(ctx))
	h, err := src.HistoricalPrice(now - 3)
	require.NoError(t, err)
	require.True(t, h.Equal(decimal.RequireFromString("1.70")))
}

func TestNewSourceByConfig(t *testing.T) {
	idx := temporal.NewIndex(nil, nil)

	src, err := New(config.PricesConfig{Source: "fixed", FixedPrice: decimal.NewFromInt(1)}, idx)
	require.NoError(t, err)
	require.IsType(t, &FixedSource{}, src)

	src, err = New(config.PricesConfig{Source: "http", HTTPURL: "http://localhost:1"}, idx)
	require.NoError(t, err)
	require.IsType(t, &HTTPSource{}, src)

	src, err = New(config.PricesConfig{Source: "ws", WSURL: "ws://localhost:1"}, idx)
	require.NoError(t, err)
	require.IsType(t, &StreamSource{}, src)

	_, err = New(config.PricesConfig{Source: "csv"}, idx)
	require.Error(t, err)
}
