// approve 一次性补齐 ERC20 授权
//
// 直连执行模式要求签名账户提前把抵押币与合成币授权给金融合约，
// 本工具读取配置、检查额度并在低于水位线时发送 approve 交易。
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/allowance"
	"github.com/liqbot/goliq/internal/chain"
	"github.com/liqbot/goliq/pkg/config"
	"github.com/liqbot/goliq/pkg/logger"
	"github.com/liqbot/goliq/pkg/wallet"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	tokenFlag := flag.String("token", "", "只授权指定代币（默认抵押币与合成币都授权）")
	spenderFlag := flag.String("spender", "", "被授权地址（默认监控的金融合约）")
	timeout := flag.Duration("timeout", 2*time.Minute, "等待上链超时")
	flag.Parse()

	_ = godotenv.Load()

	if err := logger.Init(logger.Config{Level: "info"}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
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
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	spender := cfg.Contract
	if *spenderFlag != "" {
		if !common.IsHexAddress(*spenderFlag) {
			logrus.Errorf("非法的 spender 地址: %s", *spenderFlag)
			os.Exit(1)
		}
		spender = common.HexToAddress(*spenderFlag)
	}

	var tokens []common.Address
	if *tokenFlag != "" {
		if !common.IsHexAddress(*tokenFlag) {
			logrus.Errorf("非法的代币地址: %s", *tokenFlag)
			os.Exit(1)
		}
		tokens = []common.Address{common.HexToAddress(*tokenFlag)}
	} else {
		fin, err := chain.NewFinancialContract(client, cfg.Contract)
		if err != nil {
			logrus.Errorf("绑定金融合约失败: %v", err)
			os.Exit(1)
		}
		collateral, err := fin.CollateralCurrency(ctx)
		if err != nil {
			logrus.Errorf("读取抵押币地址失败: %v", err)
			os.Exit(1)
		}
		synth, err := fin.TokenCurrency(ctx)
		if err != nil {
			logrus.Errorf("读取合成币地址失败: %v", err)
			os.Exit(1)
		}
		tokens = []common.Address{collateral, synth}
	}

	mgr := allowance.NewManager(client)
	for _, token := range tokens {
		receipt, err := mgr.Ensure(ctx, token, spender)
		if err != nil {
			logrus.Errorf("授权失败: token=%s spender=%s: %v", token.Hex(), spender.Hex(), err)
			os.Exit(1)
		}
		if receipt != nil {
			logrus.Infof("✅ 已授权: token=%s spender=%s tx=%s", token.Hex(), spender.Hex(), receipt.TxHash.Hex())
		} else {
			logrus.Infof("额度已充足: token=%s spender=%s", token.Hex(), spender.Hex())
		}
	}
}
