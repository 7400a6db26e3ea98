package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/domain"
)

// ContractState 合约生命周期状态
type ContractState uint8

const (
	ContractOpen ContractState = iota
	ContractExpiredPriceRequested
	ContractExpiredPriceReceived
)

// logWindowSize 单次事件查询的区块跨度上限
// 公共节点普遍拒绝超大范围的 eth_getLogs
const logWindowSize = 10000

// FinancialContract 金融合约绑定
type FinancialContract struct {
	client  *Client
	address common.Address
	abi     abi.ABI
}

// NewFinancialContract 创建金融合约绑定
func NewFinancialContract(client *Client, address common.Address) (*FinancialContract, error) {
	parsed, err := abi.JSON(strings.NewReader(FinancialContractABI))
	if err != nil {
		return nil, fmt.Errorf("解析金融合约 ABI失败: %w", err)
	}
	return &FinancialContract{
		client:  client,
		address: address,
		abi:     parsed,
	}, nil
}

// Address 返回合约地址
func (f *FinancialContract) Address() common.Address {
	return f.address
}

type positionResult struct {
	TokensOutstanding              *big.Int
	WithdrawalRequestPassTimestamp *big.Int
	WithdrawalRequestAmount        *big.Int
	RawCollateral                  *big.Int
}

// GetPosition 读取 sponsor 的仓位快照
// 抵押品取 getCollateral（含手续费调整后的真实值），而不是 rawCollateral
func (f *FinancialContract) GetPosition(ctx context.Context, sponsor common.Address) (domain.Position, error) {
	data, err := f.abi.Pack("positions", sponsor)
	if err != nil {
		return domain.Position{}, fmt.Errorf("打包positions参数失败: %w", err)
	}
	result, err := f.client.callContract(ctx, f.address, data)
	if err != nil {
		return domain.Position{}, err
	}
	var pos positionResult
	if err := f.abi.UnpackIntoInterface(&pos, "positions", result); err != nil {
		return domain.Position{}, fmt.Errorf("解析positions结果失败: %w", err)
	}

	collateral, err := f.getCollateral(ctx, sponsor)
	if err != nil {
		return domain.Position{}, err
	}

	return domain.Position{
		Sponsor:                   sponsor,
		Collateral:                collateral,
		TokensOutstanding:         domain.FromScaled(pos.TokensOutstanding, domain.LedgerDecimals),
		WithdrawalRequestAmount:   domain.FromScaled(pos.WithdrawalRequestAmount, domain.LedgerDecimals),
		WithdrawalRequestPassTime: pos.WithdrawalRequestPassTimestamp.Int64(),
	}, nil
}

func (f *FinancialContract) getCollateral(ctx context.Context, sponsor common.Address) (decimal.Decimal, error) {
	data, err := f.abi.Pack("getCollateral", sponsor)
	if err != nil {
		return decimal.Zero, fmt.Errorf("打包getCollateral参数失败: %w", err)
	}
	result, err := f.client.callContract(ctx, f.address, data)
	if err != nil {
		return decimal.Zero, err
	}
	var raw *big.Int
	if err := f.abi.UnpackIntoInterface(&raw, "getCollateral", result); err != nil {
		return decimal.Zero, fmt.Errorf("解析getCollateral结果失败: %w", err)
	}
	return domain.FromScaled(raw, domain.LedgerDecimals), nil
}

type rawLiquidation struct {
	Sponsor              common.Address
	Liquidator           common.Address
	Disputer             common.Address
	State                uint8
	LiquidationTime      *big.Int
	TokensOutstanding    *big.Int
	LockedCollateral     *big.Int
	LiquidatedCollateral *big.Int
	Price                *big.Int
}

// GetLiquidations 读取 sponsor 名下全部清算记录（数组下标即记录 ID）
func (f *FinancialContract) GetLiquidations(ctx context.Context, sponsor common.Address) ([]domain.Liquidation, error) {
	data, err := f.abi.Pack("getLiquidations", sponsor)
	if err != nil {
		return nil, fmt.Errorf("打包getLiquidations参数失败: %w", err)
	}
	result, err := f.client.callContract(ctx, f.address, data)
	if err != nil {
		return nil, err
	}
	var raws []rawLiquidation
	if err := f.abi.UnpackIntoInterface(&raws, "getLiquidations", result); err != nil {
		return nil, fmt.Errorf("解析getLiquidations结果失败: %w", err)
	}

	liquidations := make([]domain.Liquidation, 0, len(raws))
	for i, raw := range raws {
		liquidations = append(liquidations, domain.Liquidation{
			ID:                   uint64(i),
			Sponsor:              raw.Sponsor,
			Liquidator:           raw.Liquidator,
			Disputer:             raw.Disputer,
			State:                domain.LiquidationState(raw.State),
			LiquidationTime:      raw.LiquidationTime.Int64(),
			TokensOutstanding:    domain.FromScaled(raw.TokensOutstanding, domain.LedgerDecimals),
			LockedCollateral:     domain.FromScaled(raw.LockedCollateral, domain.LedgerDecimals),
			LiquidatedCollateral: domain.FromScaled(raw.LiquidatedCollateral, domain.LedgerDecimals),
			Price:                domain.FromScaled(raw.Price, domain.LedgerDecimals),
		})
	}
	return liquidations, nil
}

// CollateralRequirement 读取合约抵押率要求
func (f *FinancialContract) CollateralRequirement(ctx context.Context) (decimal.Decimal, error) {
	raw, err := f.viewUint(ctx, "collateralRequirement")
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromScaled(raw, domain.LedgerDecimals), nil
}

// LiquidationLiveness 读取争议窗口长度（秒）
func (f *FinancialContract) LiquidationLiveness(ctx context.Context) (int64, error) {
	raw, err := f.viewUint(ctx, "liquidationLiveness")
	if err != nil {
		return 0, err
	}
	return raw.Int64(), nil
}

// DisputeBondPercentage 读取争议保证金比例（按锁定抵押品计）
func (f *FinancialContract) DisputeBondPercentage(ctx context.Context) (decimal.Decimal, error) {
	raw, err := f.viewUint(ctx, "disputeBondPercentage")
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromScaled(raw, domain.LedgerDecimals), nil
}

// ExpirationTimestamp 读取合约到期时间
func (f *FinancialContract) ExpirationTimestamp(ctx context.Context) (int64, error) {
	raw, err := f.viewUint(ctx, "expirationTimestamp")
	if err != nil {
		return 0, err
	}
	return raw.Int64(), nil
}

// State 读取合约生命周期状态
func (f *FinancialContract) State(ctx context.Context) (ContractState, error) {
	data, err := f.abi.Pack("contractState")
	if err != nil {
		return 0, fmt.Errorf("打包contractState参数失败: %w", err)
	}
	result, err := f.client.callContract(ctx, f.address, data)
	if err != nil {
		return 0, err
	}
	var state uint8
	if err := f.abi.UnpackIntoInterface(&state, "contractState", result); err != nil {
		return 0, fmt.Errorf("解析contractState结果失败: %w", err)
	}
	return ContractState(state), nil
}

// CollateralCurrency 读取抵押品代币地址
func (f *FinancialContract) CollateralCurrency(ctx context.Context) (common.Address, error) {
	return f.viewAddress(ctx, "collateralCurrency")
}

// TokenCurrency 读取合成债务代币地址
func (f *FinancialContract) TokenCurrency(ctx context.Context) (common.Address, error) {
	return f.viewAddress(ctx, "tokenCurrency")
}

func (f *FinancialContract) viewUint(ctx context.Context, method string) (*big.Int, error) {
	data, err := f.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("打包%s参数失败: %w", method, err)
	}
	result, err := f.client.callContract(ctx, f.address, data)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	if err := f.abi.UnpackIntoInterface(&out, method, result); err != nil {
		return nil, fmt.Errorf("解析%s结果失败: %w", method, err)
	}
	return out, nil
}

func (f *FinancialContract) viewAddress(ctx context.Context, method string) (common.Address, error) {
	data, err := f.abi.Pack(method)
	if err != nil {
		return common.Address{}, fmt.Errorf("打包%s参数失败: %w", method, err)
	}
	result, err := f.client.callContract(ctx, f.address, data)
	if err != nil {
		return common.Address{}, err
	}
	var out common.Address
	if err := f.abi.UnpackIntoInterface(&out, method, result); err != nil {
		return common.Address{}, fmt.Errorf("解析%s结果失败: %w", method, err)
	}
	return out, nil
}

// PackCreateLiquidation 打包清算调用数据（供直接提交或代理捆绑）
func (f *FinancialContract) PackCreateLiquidation(sponsor common.Address, minPrice, maxPrice, maxTokens, deadline *big.Int) ([]byte, error) {
	data, err := f.abi.Pack("createLiquidation", sponsor, minPrice, maxPrice, maxTokens, deadline)
	if err != nil {
		return nil, fmt.Errorf("打包createLiquidation参数失败: %w", err)
	}
	return data, nil
}

// PackDispute 打包争议调用数据
func (f *FinancialContract) PackDispute(liquidationID *big.Int, sponsor common.Address) ([]byte, error) {
	data, err := f.abi.Pack("dispute", liquidationID, sponsor)
	if err != nil {
		return nil, fmt.Errorf("打包dispute参数失败: %w", err)
	}
	return data, nil
}

// PackWithdrawLiquidation 打包提取调用数据
func (f *FinancialContract) PackWithdrawLiquidation(liquidationID *big.Int, sponsor common.Address) ([]byte, error) {
	data, err := f.abi.Pack("withdrawLiquidation", liquidationID, sponsor)
	if err != nil {
		return nil, fmt.Errorf("打包withdrawLiquidation参数失败: %w", err)
	}
	return data, nil
}

// Submit 把打包好的调用数据作为交易直接发给合约
func (f *FinancialContract) Submit(ctx context.Context, data []byte) (*ethtypes.Receipt, error) {
	return f.client.SendAndWait(ctx, f.address, data, nil)
}

// FetchSponsors 扫描 [fromBlock, toBlock] 的 NewSponsor 与 LiquidationCreated
// 事件，返回去重后的 sponsor 地址。大范围按 logWindowSize 分窗查询
func (f *FinancialContract) FetchSponsors(ctx context.Context, fromBlock, toBlock uint64) ([]common.Address, error) {
	newSponsorID := f.abi.Events["NewSponsor"].ID
	liquidationCreatedID := f.abi.Events["LiquidationCreated"].ID

	seen := make(map[common.Address]struct{})
	var sponsors []common.Address

	for start := fromBlock; start <= toBlock; start += logWindowSize {
		end := start + logWindowSize - 1
		if end > toBlock {
			end = toBlock
		}

		logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{f.address},
			Topics:    [][]common.Hash{{newSponsorID, liquidationCreatedID}},
		})
		if err != nil {
			return nil, err
		}

		for _, lg := range logs {
			if len(lg.Topics) < 2 {
				continue
			}
			sponsor := common.BytesToAddress(lg.Topics[1].Bytes())
			if _, ok := seen[sponsor]; ok {
				continue
			}
			seen[sponsor] = struct{}{}
			sponsors = append(sponsors, sponsor)
		}
	}
	return sponsors, nil
}
