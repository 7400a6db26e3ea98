package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/pkg/cache"
	"github.com/liqbot/goliq/pkg/ratelimit"
	"github.com/liqbot/goliq/pkg/wallet"
)

var log = logrus.WithField("component", "chain")

// receiptPollInterval 交易回执轮询间隔
const receiptPollInterval = 2 * time.Second

// GasPricer 外部 gas 价格来源（gas station 估计器）
type GasPricer interface {
	CurrentFastPrice() *big.Int
}

// Client 以太坊账本客户端
// 封装 RPC 连接、限流、签名与交易回执等待
type Client struct {
	client     *ethclient.Client
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	address    common.Address
	limiter    *ratelimit.Manager
	gas        GasPricer
	tokenMeta  *cache.TokenMetaCache
	erc20ABI   abi.ABI
}

// NewClient 创建账本客户端
func NewClient(rpcURL string, chainID int64, w *wallet.Wallet) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接RPC节点失败: %w", err)
	}

	id := big.NewInt(chainID)
	if chainID == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err = client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取链ID失败: %w", err)
		}
	}

	erc20ABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析ERC20 ABI失败: %w", err)
	}

	c := &Client{
		client:    client,
		chainID:   id,
		limiter:   ratelimit.NewManager(),
		tokenMeta: cache.NewTokenMetaCache(),
		erc20ABI:  erc20ABI,
	}
	if w != nil {
		c.privateKey = w.PrivateKey
		c.address = w.Address
	}

	log.Infof("账本客户端已连接: %s (chainID=%s)", rpcURL, id)
	return c, nil
}

// Address 返回签名账户地址
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID 返回链 ID
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SetGasPricer 注入外部 gas 价格来源；未注入时回退到节点建议价
func (c *Client) SetGasPricer(gp GasPricer) {
	c.gas = gp
}

// callContract 执行一次只读合约调用（限流 + 错误分类）
func (c *Client) callContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx, "rpc:call"); err != nil {
		return nil, err
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, classifyCallError("合约调用", err)
	}
	return result, nil
}

// BlockByNumber 按编号获取区块（只取头部）
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (domain.Block, error) {
	if err := c.limiter.Wait(ctx, "rpc:block"); err != nil {
		return domain.Block{}, err
	}
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return domain.Block{}, fmt.Errorf("获取区块 %d 失败: %w", number, err)
	}
	return domain.Block{
		Number:    header.Number.Uint64(),
		Timestamp: int64(header.Time),
	}, nil
}

// LatestBlock 获取最新区块
func (c *Client) LatestBlock(ctx context.Context) (domain.Block, error) {
	if err := c.limiter.Wait(ctx, "rpc:block"); err != nil {
		return domain.Block{}, err
	}
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.Block{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return domain.Block{
		Number:    header.Number.Uint64(),
		Timestamp: int64(header.Time),
	}, nil
}

// FilterLogs 查询事件日志（限流走独立额度）
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	if err := c.limiter.Wait(ctx, "rpc:logs"); err != nil {
		return nil, err
	}
	logs, err := c.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("查询事件日志失败: %w", err)
	}
	return logs, nil
}

// gasPrice 返回交易用的 gas 价格：优先外部估计器，其次节点建议价
func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	if c.gas != nil {
		if p := c.gas.CurrentFastPrice(); p != nil && p.Sign() > 0 {
			return p, nil
		}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取gas价格失败: %w", err)
	}
	return gasPrice, nil
}

// SendAndWait 签名发送交易并等待上链
// EstimateGas 同时充当预执行模拟：回滚在这里被拦下，不会消耗 gas
func (c *Client) SendAndWait(ctx context.Context, to common.Address, data []byte, value *big.Int) (*ethtypes.Receipt, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("客户端未配置签名私钥")
	}
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("获取nonce失败: %w", err)
	}

	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return nil, err
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return nil, classifyCallError("估算gas", err)
	}

	tx := ethtypes.NewTransaction(
		nonce,
		to,
		value,
		gasLimit,
		gasPrice,
		data,
	)

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}

	if err := c.limiter.Wait(ctx, "rpc:tx"); err != nil {
		return nil, err
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, classifyCallError("发送交易", err)
	}

	log.Infof("交易已发送: %s (nonce=%d gas=%d)", signedTx.Hash().Hex(), nonce, gasLimit)
	return c.waitMined(ctx, signedTx.Hash())
}

// waitMined 轮询交易回执直到上链或 ctx 取消
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return receipt, &RevertError{
					Op:    "交易执行",
					Cause: fmt.Errorf("交易 %s 回执状态为失败", txHash.Hex()),
				}
			}
			log.Infof("交易已上链: %s (block=%d)", txHash.Hex(), receipt.BlockNumber.Uint64())
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("获取交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TokenDecimals 查询代币精度（带缓存）
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (int32, error) {
	if meta, ok := c.tokenMeta.Get(token.Hex()); ok {
		return meta.Decimals, nil
	}

	data, err := c.erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("打包decimals参数失败: %w", err)
	}
	result, err := c.callContract(ctx, token, data)
	if err != nil {
		return 0, err
	}
	var decimals uint8
	if err := c.erc20ABI.UnpackIntoInterface(&decimals, "decimals", result); err != nil {
		return 0, fmt.Errorf("解析decimals结果失败: %w", err)
	}

	c.tokenMeta.Set(token.Hex(), cache.TokenMeta{Decimals: int32(decimals)})
	return int32(decimals), nil
}

// Close 关闭 RPC 连接
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
