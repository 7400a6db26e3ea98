package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/allowance"
	"github.com/liqbot/goliq/internal/chain"
	"github.com/liqbot/goliq/internal/engine"
	"github.com/liqbot/goliq/internal/executor"
	"github.com/liqbot/goliq/internal/gasprice"
	"github.com/liqbot/goliq/internal/journal"
	"github.com/liqbot/goliq/internal/metrics"
	"github.com/liqbot/goliq/internal/ops"
	"github.com/liqbot/goliq/internal/pricefeed"
	"github.com/liqbot/goliq/internal/registry"
	"github.com/liqbot/goliq/internal/risk"
	"github.com/liqbot/goliq/internal/scheduler"
	"github.com/liqbot/goliq/internal/temporal"
	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/logger"
	"github.com/liqbot/goliq/pkg/persistence"
	"github.com/liqbot/goliq/pkg/shutdown"
	"github.com/liqbot/goliq/pkg/syncgroup"
	"github.com/liqbot/goliq/pkg/timestore"
	"github.com/liqbot/goliq/pkg/wallet"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	once := flag.Bool("once", false, "只执行一轮决策周期后退出")
	dryRun := flag.Bool("dry-run", false, "试运行：完整决策但不上链")
	flag.Parse()

	// .env 是可选的，缺失不算错误
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *once {
		cfg.Scheduler.PollingInterval = 0
	}
	if *dryRun {
		cfg.DryRun = true
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Info("🚀 启动清算机器人...")
	if cfg.DryRun {
		logrus.Warn("📝 试运行模式已启用：完整决策但不会发送任何交易")
	}

	w, err := wallet.Load(cfg.Wallet.PrivateKey, cfg.Wallet.Mnemonic, cfg.Wallet.DerivationPath)
	if err != nil {
		logrus.Errorf("加载签名账户失败: %v", err)
		os.Exit(1)
	}
	logrus.Infof("签名账户: %s", w.Address.Hex())

	client, err := chain.NewClient(cfg.Chain.RPCURL, cfg.Chain.ChainID, w)
	if err != nil {
		logrus.Errorf("连接账本节点失败: %v", err)
		os.Exit(1)
	}

	gasEst := gasprice.New(cfg.Gas)
	client.SetGasPricer(gasEst)

	fin, err := chain.NewFinancialContract(client, cfg.Contract)
	if err != nil {
		logrus.Errorf("绑定金融合约失败: %v", err)
		os.Exit(1)
	}
	logrus.Infof("监控合约: %s", cfg.Contract.Hex())

	// 时序索引：配置了本地缓存路径时用 badger 持久化，否则纯内存
	var store *timestore.Store
	var index *temporal.Index
	if cfg.StorePath != "" {
		store, err = timestore.Open(timestore.OpenOptions{Path: cfg.StorePath})
		if err != nil {
			logrus.Errorf("打开时序缓存失败: %v", err)
			os.Exit(1)
		}
		index = temporal.NewIndex(client, store)
		if err := index.Preload(); err != nil {
			logrus.Warnf("预加载时序缓存失败: %v", err)
		}
		blocks, prices := index.Size()
		logrus.Infof("时序缓存已加载: %s (%d 个区块, %d 个价格样本)", cfg.StorePath, blocks, prices)
	} else {
		index = temporal.NewIndex(client, nil)
	}

	priceSource, err := pricefeed.New(cfg.Prices, index)
	if err != nil {
		logrus.Errorf("构建价格源失败: %v", err)
		os.Exit(1)
	}

	var cursor persistence.Store
	if cfg.CursorDir != "" {
		cursor = persistence.NewDir(cfg.CursorDir).Store("registry", "cursor", cfg.Contract.Hex())
	}
	states := registry.NewCache(fin, client, cfg.Monitor, cursor)

	eng, err := engine.New(engine.Config{
		CRThreshold:        cfg.Engine.CRThreshold,
		DeviationTolerance: cfg.Engine.DeviationTolerance,
		DisputeDelay:       cfg.Engine.DisputeDelay,
		PriceOverride:      cfg.Engine.PriceOverride,
	})
	if err != nil {
		logrus.Errorf("决策参数无效: %v", err)
		os.Exit(1)
	}
	if cfg.Engine.PriceOverride != nil {
		logrus.Warnf("价格覆盖已启用: %s（替代所有参考价读取，仅限人工干预时使用）", cfg.Engine.PriceOverride)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	exec, err := buildExecutor(rootCtx, cfg, client, fin, w.Address)
	if err != nil {
		logrus.Errorf("创建执行器失败: %v", err)
		os.Exit(1)
	}

	brake := risk.New(risk.Config{MaxConsecutiveReverts: cfg.Risk.MaxConsecutiveReverts})
	exec.SetBrake(brake)

	var jr *journal.Journal
	if cfg.JournalPath != "" {
		jr, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logrus.Errorf("打开行动日志失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("行动日志: %s", cfg.JournalPath)
	}

	deps := scheduler.Deps{
		States: states,
		Window: index,
		Prices: priceSource,
		Engine: eng,
		Exec:   exec,
		Status: fin,
	}
	if jr != nil {
		deps.Journal = jr
	}
	sched, err := scheduler.New(cfg.Scheduler, cfg.Prices.Lookback, deps)
	if err != nil {
		logrus.Errorf("创建调度器失败: %v", err)
		os.Exit(1)
	}

	if cfg.OpsListen != "" {
		opsDeps := ops.Deps{
			Cycles: sched,
			States: states,
			Index:  index,
			Brake:  brake,
			Gas:    gasEst,
		}
		if jr != nil {
			opsDeps.Journal = jr
		}
		if _, err := ops.New(opsDeps).StartAsync(rootCtx, cfg.OpsListen); err != nil {
			logrus.Errorf("启动运维接口失败: %v", err)
			os.Exit(1)
		}
	}

	if cfg.MetricsListen != "" {
		if err := metrics.ListenAndServe(rootCtx, cfg.MetricsListen); err != nil {
			logrus.Errorf("启动 metrics/pprof 失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("📊 metrics/pprof 已启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", cfg.MetricsListen)
	}

	// 后台协程统一由 syncgroup 托管，rootCtx 取消后全部退出
	sg := syncgroup.NewSyncGroup()
	if runner, ok := priceSource.(pricefeed.Runner); ok {
		sg.Add(func() { runner.Run(rootCtx) })
	}
	sg.Add(func() { gasEst.Run(rootCtx) })
	if store != nil {
		sg.Add(func() { runStoreGC(rootCtx, store) })
	}
	sg.Run()

	sd := shutdown.NewManager()
	sd.OnShutdown("chain-client", func(context.Context) { client.Close() })
	if store != nil {
		sd.OnShutdown("timestore", func(context.Context) {
			if err := store.Close(); err != nil {
				logrus.Warnf("关闭时序缓存失败: %v", err)
			}
		})
	}
	if jr != nil {
		sd.OnShutdown("journal", func(context.Context) {
			if err := jr.Close(); err != nil {
				logrus.Warnf("关闭行动日志失败: %v", err)
			}
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logrus.Infof("收到信号 %s，正在关闭...", s)
		rootCancel()
	}()

	logrus.Info("✅ 清算机器人已启动，按 Ctrl+C 停止")
	runErr := sched.Run(rootCtx)

	// 调度器退出后（取消 / 单次完成 / 致命错误）收尾
	rootCancel()
	sg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sd.Shutdown(shutdownCtx)

	if runErr != nil {
		logrus.Errorf("调度器异常退出: %v", runErr)
		os.Exit(1)
	}
	logrus.Info("✅ 清算机器人已停止")
}

// buildExecutor 按配置选择直连或代理执行模式
// 代理模式下若注册表里还没有代理账户，先发起 build 创建
func buildExecutor(ctx context.Context, cfg *config.Config, client *chain.Client,
	fin *chain.FinancialContract, account common.Address) (*executor.Executor, error) {
	if !cfg.Proxy.Enabled {
		return executor.New(fin, client, allowance.NewManager(client), account, cfg.DryRun)
	}

	reg, err := chain.NewProxyRegistry(client, cfg.Proxy.RegistryAddress)
	if err != nil {
		return nil, err
	}
	proxyAddr, err := reg.ProxyFor(ctx, account)
	if err != nil {
		return nil, err
	}
	if proxyAddr == (common.Address{}) {
		logrus.Info("代理账户不存在，向注册表发起 build...")
		if _, err := reg.Build(ctx); err != nil {
			return nil, err
		}
		if proxyAddr, err = reg.ProxyFor(ctx, account); err != nil {
			return nil, err
		}
	}

	proxy, err := chain.NewProxyAccount(client, proxyAddr, cfg.Proxy.LibraryAddress)
	if err != nil {
		return nil, err
	}
	logrus.Infof("代理执行模式: proxy=%s library=%s", proxyAddr.Hex(), cfg.Proxy.LibraryAddress.Hex())
	return executor.NewWithProxy(fin, client, proxy, account, cfg.Proxy, cfg.DryRun)
}

// runStoreGC 周期性触发 badger 值日志回收
func runStoreGC(ctx context.Context, store *timestore.Store) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.GC(); err != nil {
				logrus.Debugf("时序缓存 GC: %v", err)
			}
		}
	}
}
