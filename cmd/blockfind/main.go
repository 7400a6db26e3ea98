// blockfind 按时间戳查找账本区块
//
// 用法:
//
//	blockfind -rpc http://127.0.0.1:8545 -t 1724400000
//	blockfind -config config.yaml -t 2026-08-23T08:00:00Z
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/liqbot/goliq/internal/chain"
	"github.com/liqbot/goliq/internal/temporal"
	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/timestore"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径（提供 RPC 与缓存路径的默认值）")
		rpcURL     = flag.String("rpc", "", "账本节点 RPC 地址（覆盖配置文件）")
		target     = flag.String("t", "", "目标时间：Unix 秒或 RFC3339（默认当前时间）")
		storePath  = flag.String("store", "", "badger 时序缓存路径（可选，加速反复查询）")
		timeout    = flag.Duration("timeout", 30*time.Second, "查询超时")
	)
	flag.Parse()

	_ = godotenv.Load()

	rpc := strings.TrimSpace(*rpcURL)
	store := strings.TrimSpace(*storePath)
	chainID := int64(0)
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		if rpc == "" {
			rpc = cfg.Chain.RPCURL
		}
		if store == "" {
			store = cfg.StorePath
		}
		chainID = cfg.Chain.ChainID
	}
	if rpc == "" {
		fatal(fmt.Errorf("缺少 RPC 地址：请用 -rpc 或 -config 提供"))
	}

	ts, err := parseTime(*target)
	if err != nil {
		fatal(err)
	}

	// 只读查询，不需要签名账户
	client, err := chain.NewClient(rpc, chainID, nil)
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	var index *temporal.Index
	if store != "" {
		db, err := timestore.Open(timestore.OpenOptions{Path: store})
		if err != nil {
			fatal(err)
		}
		defer db.Close()
		index = temporal.NewIndex(client, db)
		if err := index.Preload(); err != nil {
			fmt.Fprintf(os.Stderr, "警告: 预加载缓存失败: %v\n", err)
		}
	} else {
		index = temporal.NewIndex(client, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	block, err := index.BlockAt(ctx, ts)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("目标时间: %s (%d)\n", time.Unix(ts, 0).UTC().Format(time.RFC3339), ts)
	fmt.Printf("区块号:   %d\n", block.Number)
	fmt.Printf("区块时间: %s (%d)\n", time.Unix(block.Timestamp, 0).UTC().Format(time.RFC3339), block.Timestamp)
}

func parseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now().Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("无法解析时间 %q：需要 Unix 秒或 RFC3339", s)
	}
	return t.Unix(), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "错误:", err)
	os.Exit(1)
}
