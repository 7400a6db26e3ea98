// Package ops 运维 HTTP 接口
//
// 提供健康检查、运行状态查询与少量手动控制（立即触发一轮周期、
// 熔断开合）。只读查询不碰链，适合暴露给内网面板或 curl 巡检。
package ops

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/journal"
	"github.com/liqbot/goliq/internal/registry"
	"github.com/liqbot/goliq/internal/risk"
	"github.com/liqbot/goliq/internal/scheduler"
)

var log = logrus.WithField("component", "ops")

// CycleRunner 调度器的运维切面
type CycleRunner interface {
	Nudge()
	LastCycle() *scheduler.Info
}

// SnapshotSource 仓位缓存的只读切面
type SnapshotSource interface {
	Current() *registry.Snapshot
}

// IndexStats 时序索引的统计切面
type IndexStats interface {
	Size() (blocks, prices int)
}

// ActionLog 行动日志的只读切面
type ActionLog interface {
	LastCycle(ctx context.Context) (*journal.CycleSummary, error)
	RecentActions(ctx context.Context, limit int) ([]journal.ActionSummary, error)
}

// GasQuote 燃料价估算器的只读切面
type GasQuote interface {
	CurrentFastPrice() *big.Int
	UpdatedAt() time.Time
}

// Deps 各协作者均可为 nil，对应接口返回未启用
type Deps struct {
	Cycles  CycleRunner
	States  SnapshotSource
	Index   IndexStats
	Journal ActionLog
	Brake   *risk.Brake
	Gas     GasQuote
}

// Server 运维接口服务
type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/actions", s.handleActions)
	api.POST("/cycle/run", s.handleCycleRun)
	api.POST("/brake/halt", s.handleBrakeHalt)
	api.POST("/brake/resume", s.handleBrakeResume)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	out := gin.H{"time": time.Now().UTC().Format(time.RFC3339)}

	if s.deps.Cycles != nil {
		out["last_cycle"] = s.deps.Cycles.LastCycle()
	}
	if s.deps.States != nil {
		if snap := s.deps.States.Current(); snap != nil {
			out["snapshot"] = gin.H{
				"block":        snap.Block,
				"block_time":   snap.BlockTime,
				"positions":    len(snap.Positions),
				"liquidations": len(snap.Liquidations),
				"taken":        snap.Taken.UTC().Format(time.RFC3339),
			}
		}
	}
	if s.deps.Index != nil {
		blocks, prices := s.deps.Index.Size()
		out["temporal"] = gin.H{"blocks": blocks, "prices": prices}
	}
	if s.deps.Brake != nil {
		out["brake"] = s.deps.Brake.Snapshot()
	}
	if s.deps.Gas != nil {
		out["gas"] = gin.H{
			"fast_wei":   s.deps.Gas.CurrentFastPrice().String(),
			"updated_at": s.deps.Gas.UpdatedAt().UTC().Format(time.RFC3339),
		}
	}
	if s.deps.Journal != nil {
		if last, err := s.deps.Journal.LastCycle(c.Request.Context()); err == nil && last != nil {
			out["journal_last_cycle"] = last
		}
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleActions(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "行动日志未启用"})
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 必须是正整数"})
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}
	actions, err := s.deps.Journal.RecentActions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (s *Server) handleCycleRun(c *gin.Context) {
	if s.deps.Cycles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "调度器未运行"})
		return
	}
	s.deps.Cycles.Nudge()
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) handleBrakeHalt(c *gin.Context) {
	if s.deps.Brake == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "熔断器未启用"})
		return
	}
	s.deps.Brake.Halt()
	c.JSON(http.StatusOK, gin.H{"ok": true, "brake": s.deps.Brake.Snapshot()})
}

func (s *Server) handleBrakeResume(c *gin.Context) {
	if s.deps.Brake == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "熔断器未启用"})
		return
	}
	s.deps.Brake.Resume()
	c.JSON(http.StatusOK, gin.H{"ok": true, "brake": s.deps.Brake.Snapshot()})
}

// StartAsync 启动运维服务（非阻塞），ctx 取消时优雅关闭
func (s *Server) StartAsync(ctx context.Context, listenAddr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Addr: listenAddr, Handler: s.Router()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("运维服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("运维接口已启动: http://%s", listenAddr)
	return srv, nil
}
