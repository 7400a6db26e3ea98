package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Position 担保仓位领域模型
// 对应金融合约中一个 sponsor 的抵押仓位快照
type Position struct {
	Sponsor                   common.Address  // 仓位所有者地址
	Collateral                decimal.Decimal // 抵押品数量（含未执行的提取请求）
	TokensOutstanding         decimal.Decimal // 已铸造的合成债务数量
	WithdrawalRequestAmount   decimal.Decimal // 待执行的提取请求数量（无请求为 0）
	WithdrawalRequestPassTime int64           // 提取请求生效时间（Unix 秒，无请求为 0）
}

// HasPendingWithdrawal 检查仓位是否存在待执行的提取请求
func (p *Position) HasPendingWithdrawal() bool {
	return p.WithdrawalRequestAmount.IsPositive()
}

// CollateralizationRatio 计算仓位的抵押率：collateral / (debt * price)
// 债务为零或价格为零时返回 false（抵押率无定义，视为安全）
func (p *Position) CollateralizationRatio(price decimal.Decimal) (decimal.Decimal, bool) {
	if !p.TokensOutstanding.IsPositive() || !price.IsPositive() {
		return decimal.Zero, false
	}
	debtValue := p.TokensOutstanding.Mul(price)
	return p.Collateral.Div(debtValue), true
}

// IsUnderwater 判断仓位抵押是否低于要求
// 条件：collateral < debt × price × requirement × (1 + threshold)
// 等于边界值视为安全（不可清算）
func (p *Position) IsUnderwater(price, requirement, threshold decimal.Decimal) bool {
	if !p.TokensOutstanding.IsPositive() {
		return false
	}
	scaled := requirement.Mul(decimal.NewFromInt(1).Add(threshold))
	required := p.TokensOutstanding.Mul(price).Mul(scaled)
	return p.Collateral.LessThan(required)
}
