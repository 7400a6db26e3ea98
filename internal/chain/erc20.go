package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/domain"
)

// MaxUint256 无限授权额度
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// BalanceOf 查询代币余额（按代币精度转换为十进制数）
func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (decimal.Decimal, error) {
	data, err := c.erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("打包balanceOf参数失败: %w", err)
	}
	result, err := c.callContract(ctx, token, data)
	if err != nil {
		return decimal.Zero, err
	}
	var raw *big.Int
	if err := c.erc20ABI.UnpackIntoInterface(&raw, "balanceOf", result); err != nil {
		return decimal.Zero, fmt.Errorf("解析balanceOf结果失败: %w", err)
	}

	decimals, err := c.TokenDecimals(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromScaled(raw, decimals), nil
}

// Allowance 查询授权额度（原始定点值）
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := c.erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("打包allowance参数失败: %w", err)
	}
	result, err := c.callContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	var raw *big.Int
	if err := c.erc20ABI.UnpackIntoInterface(&raw, "allowance", result); err != nil {
		return nil, fmt.Errorf("解析allowance结果失败: %w", err)
	}
	return raw, nil
}

// ApproveMax 对 spender 授权 MaxUint256 并等待上链
func (c *Client) ApproveMax(ctx context.Context, token, spender common.Address) (*ethtypes.Receipt, error) {
	data, err := c.erc20ABI.Pack("approve", spender, MaxUint256)
	if err != nil {
		return nil, fmt.Errorf("打包approve参数失败: %w", err)
	}
	return c.SendAndWait(ctx, token, data, nil)
}
