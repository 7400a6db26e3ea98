package metrics

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// shutdownGrace 调试服务优雅关闭的时限
const shutdownGrace = 3 * time.Second

// debugHandler 组装调试路由
// pprof 显式挂载到自己的 mux 上，不碰 DefaultServeMux
func debugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// ListenAndServe 在后台启动调试服务（expvar 计数器 + pprof），
// ctx 取消时优雅关闭。端口只应监听 localhost 或内网地址。
// 监听失败立即返回；之后的运行期错误只会终止服务本身
func ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听调试端口失败: %w", err)
	}

	srv := &http.Server{Handler: debugHandler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		// 这里不接日志依赖，服务挂掉由 /debug 探测不可达来暴露
		_ = srv.Serve(ln)
	}()
	return nil
}
