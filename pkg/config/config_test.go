package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// 基础段不含 prices/scheduler/proxy，各测试按需拼接，避免 YAML 重复键
const baseSection = `
chain:
  rpc_url: "http://localhost:8545"
  chain_id: 137
wallet:
  private_key: "0123456789012345678901234567890123456789012345678901234567890123"
contract:
  address: "0x5555555555555555555555555555555555555555"
`

const fixedPrices = `
prices:
  source: fixed
  fixed_price: "1.0"
`

func TestLoadValidConfig(t *testing.T) {
	body := baseSection + fixedPrices + `
scheduler:
  polling_interval: 60
  retries: 3
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Scheduler.PollingInterval != 60*time.Second {
		t.Fatalf("PollingInterval = %v, want 60s", cfg.Scheduler.PollingInterval)
	}
	if cfg.Scheduler.Retries != 3 {
		t.Fatalf("Retries = %d, want 3", cfg.Scheduler.Retries)
	}
	if !cfg.Engine.CRThreshold.IsZero() {
		t.Fatalf("CRThreshold default = %s, want 0", cfg.Engine.CRThreshold)
	}
	if cfg.Engine.PriceOverride != nil {
		t.Fatal("PriceOverride should default to nil")
	}
}

// 配置错误属于致命错误：构造时立即失败，不进入重试
func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"cr_threshold 等于 1", fixedPrices + "liquidator:\n  cr_threshold: \"1\"\n"},
		{"cr_threshold 为负", fixedPrices + "liquidator:\n  cr_threshold: \"-0.1\"\n"},
		{"cr_threshold 非数值", fixedPrices + "liquidator:\n  cr_threshold: \"abc\"\n"},
		{"dispute_delay 为负", fixedPrices + "disputer:\n  dispute_delay: -60\n"},
		{"deviation_tolerance 为负", fixedPrices + "disputer:\n  deviation_tolerance: \"-0.05\"\n"},
		{"retries 为负", fixedPrices + "scheduler:\n  retries: -1\n"},
		{"代理开启但储备币地址非法", fixedPrices + `proxy:
  enabled: true
  registry_address: "0x6666666666666666666666666666666666666666"
  library_address: "0x9999999999999999999999999999999999999999"
  router_address: "0x7777777777777777777777777777777777777777"
  reserve_currency: "not-an-address"
`},
		{"代理开启但缺少 router", fixedPrices + `proxy:
  enabled: true
  registry_address: "0x6666666666666666666666666666666666666666"
  library_address: "0x9999999999999999999999999999999999999999"
  reserve_currency: "0x8888888888888888888888888888888888888888"
`},
		{"价格覆盖为零", `
prices:
  source: fixed
  fixed_price: "1.0"
  override: "0"
`},
		{"价格源类型未知", "prices:\n  source: carrier-pigeon\n"},
		{"http 源缺 URL", "prices:\n  source: http\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, baseSection+tt.extra)); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestLoadRejectsMissingEssentials(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"缺少 RPC", `
wallet:
  private_key: "01"
contract:
  address: "0x5555555555555555555555555555555555555555"
` + fixedPrices},
		{"缺少钱包", `
chain:
  rpc_url: "http://localhost:8545"
contract:
  address: "0x5555555555555555555555555555555555555555"
` + fixedPrices},
		{"合约地址非法", `
chain:
  rpc_url: "http://localhost:8545"
wallet:
  private_key: "01"
contract:
  address: "zzz"
` + fixedPrices},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestPriceOverrideParsed(t *testing.T) {
	body := baseSection + `
prices:
  source: fixed
  fixed_price: "1.0"
  override: "1.25"
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Engine.PriceOverride == nil || !cfg.Engine.PriceOverride.Equal(dec("1.25")) {
		t.Fatalf("PriceOverride = %v, want 1.25", cfg.Engine.PriceOverride)
	}
}

// 单轮模式：polling_interval 为 0 是合法配置
func TestZeroPollingIntervalAllowed(t *testing.T) {
	body := baseSection + fixedPrices + `
scheduler:
  polling_interval: 0
  retries: 0
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Scheduler.PollingInterval != 0 {
		t.Fatalf("PollingInterval = %v, want 0", cfg.Scheduler.PollingInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CR_THRESHOLD", "0.05")
	cfg, err := Load(writeConfig(t, baseSection+fixedPrices))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Engine.CRThreshold.Equal(dec("0.05")) {
		t.Fatalf("CRThreshold = %s, want 0.05", cfg.Engine.CRThreshold)
	}
}
