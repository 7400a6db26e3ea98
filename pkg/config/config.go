package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigFile 配置文件结构（YAML 解析）
type ConfigFile struct {
	Chain struct {
		RPCURL  string `yaml:"rpc_url"`
		ChainID int64  `yaml:"chain_id"`
	} `yaml:"chain"`
	Wallet struct {
		PrivateKey     string `yaml:"private_key"`
		Mnemonic       string `yaml:"mnemonic"`
		DerivationPath string `yaml:"derivation_path"`
	} `yaml:"wallet"`
	Contract struct {
		Address string `yaml:"address"`
	} `yaml:"contract"`
	Monitor struct {
		Addresses  []string `yaml:"addresses"`
		StartBlock uint64   `yaml:"start_block"`
		EndBlock   uint64   `yaml:"end_block"`
	} `yaml:"monitor"`
	Liquidator struct {
		CRThreshold string `yaml:"cr_threshold"`
	} `yaml:"liquidator"`
	Disputer struct {
		DeviationTolerance string `yaml:"deviation_tolerance"`
		DisputeDelay       int64  `yaml:"dispute_delay"`
	} `yaml:"disputer"`
	Prices struct {
		Source       string `yaml:"source"`
		HTTPURL      string `yaml:"http_url"`
		WSURL        string `yaml:"ws_url"`
		FixedPrice   string `yaml:"fixed_price"`
		Override     string `yaml:"override"`
		Lookback     int64  `yaml:"lookback"`
		TWAPLength   int64  `yaml:"twap_length"`
		MaxStaleness int64  `yaml:"max_staleness"`
		PollInterval int64  `yaml:"poll_interval"`
	} `yaml:"prices"`
	Gas struct {
		StationURL      string `yaml:"station_url"`
		DefaultFastGwei int64  `yaml:"default_fast_gwei"`
		RefreshInterval int64  `yaml:"refresh_interval"`
	} `yaml:"gas"`
	Proxy struct {
		Enabled         bool   `yaml:"enabled"`
		RegistryAddress string `yaml:"registry_address"`
		LibraryAddress  string `yaml:"library_address"`
		RouterAddress   string `yaml:"router_address"`
		ReserveCurrency string `yaml:"reserve_currency"`
		SpendCap        string `yaml:"spend_cap"`
	} `yaml:"proxy"`
	Scheduler struct {
		PollingInterval int64 `yaml:"polling_interval"`
		Retries         int   `yaml:"retries"`
		RetryDelay      int64 `yaml:"retry_delay"`
	} `yaml:"scheduler"`
	Risk struct {
		MaxConsecutiveReverts int64 `yaml:"max_consecutive_reverts"`
	} `yaml:"risk"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Cursor struct {
		Dir string `yaml:"dir"`
	} `yaml:"cursor"`
	Ops struct {
		Listen string `yaml:"listen"`
	} `yaml:"ops"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
	DryRun bool `yaml:"dry_run"`
}

// ChainConfig 链连接配置
type ChainConfig struct {
	RPCURL  string
	ChainID int64
}

// WalletConfig 钱包配置
type WalletConfig struct {
	PrivateKey     string
	Mnemonic       string
	DerivationPath string
}

// MonitorConfig 仓位监控过滤配置
type MonitorConfig struct {
	Addresses  []common.Address // 只监控这些 sponsor（为空则监控全部）
	StartBlock uint64           // 事件扫描起始区块（0 = 合约部署起）
	EndBlock   uint64           // 事件扫描截止区块（0 = 最新）
}

// EngineConfig 决策引擎配置
type EngineConfig struct {
	CRThreshold        decimal.Decimal  // 清算扩边比例，[0,1)
	DeviationTolerance decimal.Decimal  // 争议价格偏差容忍度，≥0
	DisputeDelay       int64            // 清算成立后延迟争议的秒数，≥0
	PriceOverride      *decimal.Decimal // 人工价格覆盖（nil = 未启用）
}

// PricesConfig 参考价格源配置
type PricesConfig struct {
	Source       string // http / ws / fixed
	HTTPURL      string // http 源端点
	WSURL        string // ws 源端点
	FixedPrice   decimal.Decimal
	Lookback     int64         // 历史价格维护窗口（秒）
	TWAPLength   int64         // TWAP 窗口长度（秒，0 = 取最近样本）
	MaxStaleness int64         // 样本最大可用年龄（秒）
	PollInterval time.Duration // http 源轮询间隔
}

// GasConfig gas 价格估计配置
type GasConfig struct {
	StationURL      string
	DefaultFastGwei int64
	RefreshInterval time.Duration
}

// ProxyConfig 委托代理执行配置
type ProxyConfig struct {
	Enabled         bool
	RegistryAddress common.Address
	LibraryAddress  common.Address // 代理 delegatecall 的动作库合约
	RouterAddress   common.Address
	ReserveCurrency common.Address
	SpendCap        decimal.Decimal // 单次补仓允许消耗的储备币上限
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	PollingInterval time.Duration // 0 = 只跑一轮后退出
	Retries         int           // 单轮失败后的追加尝试次数
	RetryDelay      time.Duration // 失败尝试之间的固定等待
}

// RiskConfig 执行安全护栏配置
type RiskConfig struct {
	MaxConsecutiveReverts int64 // 连续回滚自动熔断上限（0 = 关闭自动熔断）
}

// Config 应用配置
type Config struct {
	Chain     ChainConfig
	Wallet    WalletConfig
	Contract  common.Address
	Monitor   MonitorConfig
	Engine    EngineConfig
	Prices    PricesConfig
	Gas       GasConfig
	Proxy     ProxyConfig
	Scheduler SchedulerConfig
	Risk      RiskConfig

	JournalPath   string // sqlite 行动日志路径（空 = 不记录）
	StorePath     string // badger 时序缓存路径（空 = 纯内存）
	CursorDir     string // 事件游标 JSON 目录
	OpsListen     string // 运维 HTTP 监听地址（空 = 关闭）
	MetricsListen string // expvar/pprof 监听地址（空 = 关闭）

	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool

	DryRun bool
}

// Load 从文件加载配置并校验
// 优先级：环境变量 > 配置文件 > 默认值；校验失败直接返回错误，不重试
func Load(filePath string) (*Config, error) {
	var cf ConfigFile
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
		}
		ext := strings.ToLower(filepath.Ext(filePath))
		if ext != ".yaml" && ext != ".yml" {
			return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml)", ext)
		}
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	}

	cfg := &Config{
		Chain: ChainConfig{
			RPCURL:  getEnv("RPC_URL", cf.Chain.RPCURL),
			ChainID: parseInt64Env("CHAIN_ID", cf.Chain.ChainID),
		},
		Wallet: WalletConfig{
			PrivateKey:     getEnv("WALLET_PRIVATE_KEY", cf.Wallet.PrivateKey),
			Mnemonic:       getEnv("WALLET_MNEMONIC", cf.Wallet.Mnemonic),
			DerivationPath: getEnv("WALLET_DERIVATION_PATH", cf.Wallet.DerivationPath),
		},
		Monitor: MonitorConfig{
			StartBlock: cf.Monitor.StartBlock,
			EndBlock:   cf.Monitor.EndBlock,
		},
		Prices: PricesConfig{
			Source:       getEnv("PRICE_SOURCE", defaultString(cf.Prices.Source, "http")),
			HTTPURL:      getEnv("PRICE_HTTP_URL", cf.Prices.HTTPURL),
			WSURL:        getEnv("PRICE_WS_URL", cf.Prices.WSURL),
			Lookback:     defaultInt64(cf.Prices.Lookback, 7200),
			TWAPLength:   cf.Prices.TWAPLength,
			MaxStaleness: defaultInt64(cf.Prices.MaxStaleness, 600),
			PollInterval: time.Duration(defaultInt64(cf.Prices.PollInterval, 15)) * time.Second,
		},
		Gas: GasConfig{
			StationURL:      getEnv("GAS_STATION_URL", cf.Gas.StationURL),
			DefaultFastGwei: defaultInt64(cf.Gas.DefaultFastGwei, 40),
			RefreshInterval: time.Duration(defaultInt64(cf.Gas.RefreshInterval, 30)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollingInterval: time.Duration(parseInt64Env("POLLING_INTERVAL", cf.Scheduler.PollingInterval)) * time.Second,
			Retries:         parseIntEnv("RETRIES", cf.Scheduler.Retries),
			RetryDelay:      time.Duration(defaultInt64(cf.Scheduler.RetryDelay, 5)) * time.Second,
		},
		Risk: RiskConfig{
			MaxConsecutiveReverts: parseInt64Env("MAX_CONSECUTIVE_REVERTS", cf.Risk.MaxConsecutiveReverts),
		},
		JournalPath:   getEnv("JOURNAL_PATH", cf.Journal.Path),
		StorePath:     getEnv("STORE_PATH", cf.Store.Path),
		CursorDir:     getEnv("CURSOR_DIR", defaultString(cf.Cursor.Dir, "data/state")),
		OpsListen:     getEnv("OPS_LISTEN", cf.Ops.Listen),
		MetricsListen: getEnv("METRICS_LISTEN", cf.Metrics.Listen),
		LogLevel:      getEnv("LOG_LEVEL", defaultString(cf.Log.Level, "info")),
		LogFile:       getEnv("LOG_FILE", cf.Log.File),
		LogMaxSize:    defaultInt(cf.Log.MaxSize, 100),
		LogMaxBackups: defaultInt(cf.Log.MaxBackups, 3),
		LogMaxAge:     defaultInt(cf.Log.MaxAge, 7),
		LogCompress:   cf.Log.Compress,
		DryRun:        parseBoolEnv("DRY_RUN", cf.DryRun),
	}

	// 合约地址
	contractStr := getEnv("CONTRACT_ADDRESS", cf.Contract.Address)
	if !common.IsHexAddress(contractStr) {
		return nil, fmt.Errorf("CONTRACT_ADDRESS 不是合法地址: %q", contractStr)
	}
	cfg.Contract = common.HexToAddress(contractStr)

	// 监控地址过滤
	for _, addr := range cf.Monitor.Addresses {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("monitor.addresses 含非法地址: %q", addr)
		}
		cfg.Monitor.Addresses = append(cfg.Monitor.Addresses, common.HexToAddress(addr))
	}

	// 引擎参数
	var err error
	cfg.Engine.CRThreshold, err = parseDecimal("liquidator.cr_threshold",
		getEnv("CR_THRESHOLD", defaultString(cf.Liquidator.CRThreshold, "0")))
	if err != nil {
		return nil, err
	}
	cfg.Engine.DeviationTolerance, err = parseDecimal("disputer.deviation_tolerance",
		getEnv("DEVIATION_TOLERANCE", defaultString(cf.Disputer.DeviationTolerance, "0.05")))
	if err != nil {
		return nil, err
	}
	cfg.Engine.DisputeDelay = parseInt64Env("DISPUTE_DELAY", cf.Disputer.DisputeDelay)

	if raw := getEnv("PRICE_OVERRIDE", cf.Prices.Override); raw != "" {
		override, perr := parseDecimal("prices.override", raw)
		if perr != nil {
			return nil, perr
		}
		cfg.Engine.PriceOverride = &override
	}

	if cf.Prices.FixedPrice != "" {
		cfg.Prices.FixedPrice, err = parseDecimal("prices.fixed_price", cf.Prices.FixedPrice)
		if err != nil {
			return nil, err
		}
	}

	// 代理配置
	cfg.Proxy.Enabled = parseBoolEnv("PROXY_ENABLED", cf.Proxy.Enabled)
	if cfg.Proxy.Enabled {
		for name, raw := range map[string]string{
			"proxy.registry_address": cf.Proxy.RegistryAddress,
			"proxy.library_address":  cf.Proxy.LibraryAddress,
			"proxy.router_address":   cf.Proxy.RouterAddress,
			"proxy.reserve_currency": cf.Proxy.ReserveCurrency,
		} {
			if !common.IsHexAddress(raw) {
				return nil, fmt.Errorf("%s 不是合法地址: %q", name, raw)
			}
		}
		cfg.Proxy.RegistryAddress = common.HexToAddress(cf.Proxy.RegistryAddress)
		cfg.Proxy.LibraryAddress = common.HexToAddress(cf.Proxy.LibraryAddress)
		cfg.Proxy.RouterAddress = common.HexToAddress(cf.Proxy.RouterAddress)
		cfg.Proxy.ReserveCurrency = common.HexToAddress(cf.Proxy.ReserveCurrency)
		cfg.Proxy.SpendCap, err = parseDecimal("proxy.spend_cap",
			defaultString(cf.Proxy.SpendCap, "0"))
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// Validate 校验配置合法性（只在构造时调用一次）
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL 未配置")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.Mnemonic == "" {
		return fmt.Errorf("WALLET_PRIVATE_KEY 或 WALLET_MNEMONIC 至少配置一个")
	}
	if c.Engine.CRThreshold.IsNegative() || c.Engine.CRThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("CR_THRESHOLD 必须在 [0,1) 区间: %s", c.Engine.CRThreshold)
	}
	if c.Engine.DeviationTolerance.IsNegative() {
		return fmt.Errorf("DEVIATION_TOLERANCE 不能为负数: %s", c.Engine.DeviationTolerance)
	}
	if c.Engine.DisputeDelay < 0 {
		return fmt.Errorf("DISPUTE_DELAY 不能为负数: %d", c.Engine.DisputeDelay)
	}
	if c.Engine.PriceOverride != nil && !c.Engine.PriceOverride.IsPositive() {
		return fmt.Errorf("PRICE_OVERRIDE 必须为正数: %s", c.Engine.PriceOverride)
	}
	if c.Scheduler.PollingInterval < 0 {
		return fmt.Errorf("POLLING_INTERVAL 不能为负数")
	}
	if c.Scheduler.Retries < 0 {
		return fmt.Errorf("RETRIES 不能为负数: %d", c.Scheduler.Retries)
	}
	if c.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("scheduler.retry_delay 不能为负数")
	}
	if c.Risk.MaxConsecutiveReverts < 0 {
		return fmt.Errorf("risk.max_consecutive_reverts 不能为负数: %d", c.Risk.MaxConsecutiveReverts)
	}
	if c.Monitor.EndBlock > 0 && c.Monitor.StartBlock > c.Monitor.EndBlock {
		return fmt.Errorf("monitor.start_block 不能大于 end_block")
	}

	switch c.Prices.Source {
	case "http":
		if c.Prices.HTTPURL == "" {
			return fmt.Errorf("PRICE_HTTP_URL 未配置")
		}
	case "ws":
		if c.Prices.WSURL == "" {
			return fmt.Errorf("PRICE_WS_URL 未配置")
		}
	case "fixed":
		if !c.Prices.FixedPrice.IsPositive() {
			return fmt.Errorf("prices.fixed_price 必须为正数")
		}
	default:
		return fmt.Errorf("未知的价格源类型: %s (支持 http, ws, fixed)", c.Prices.Source)
	}
	if c.Prices.Lookback <= 0 {
		return fmt.Errorf("prices.lookback 必须大于 0")
	}
	if c.Prices.TWAPLength < 0 {
		return fmt.Errorf("prices.twap_length 不能为负数")
	}

	if c.Proxy.Enabled && c.Proxy.SpendCap.IsNegative() {
		return fmt.Errorf("proxy.spend_cap 不能为负数")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64Env(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s 不是合法数值: %q", name, raw)
	}
	return d, nil
}

func defaultString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func defaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func defaultInt64(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}
