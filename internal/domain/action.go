package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ActionKind 决策动作类型
type ActionKind string

const (
	ActionLiquidate ActionKind = "liquidate" // 对抵押不足仓位发起清算
	ActionDispute   ActionKind = "dispute"   // 对定价错误的清算记录发起争议
	ActionSettle    ActionKind = "settle"    // 提取已裁决/超期记录中的应得资金
)

// Action 单个周期内产生的一条待执行决策
// 决策是临时值：每个周期从快照重新推导，不跨周期保留
type Action struct {
	Kind          ActionKind      // 动作类型
	Sponsor       common.Address  // 目标仓位/记录所属 sponsor
	LiquidationID uint64          // 目标清算记录下标（Liquidate 动作为新建，置 0）
	Price         decimal.Decimal // 决策时使用的参考价格
	TokensNeeded  decimal.Decimal // 执行所需代币数量：Liquidate 为债务币，Dispute 为抵押币保证金，Settle 为 0
}

// Describe 返回动作的日志摘要
func (a Action) Describe() string {
	switch a.Kind {
	case ActionLiquidate:
		return fmt.Sprintf("liquidate sponsor=%s tokens=%s price=%s",
			a.Sponsor.Hex(), a.TokensNeeded.String(), a.Price.String())
	case ActionDispute:
		return fmt.Sprintf("dispute sponsor=%s id=%d price=%s",
			a.Sponsor.Hex(), a.LiquidationID, a.Price.String())
	case ActionSettle:
		return fmt.Sprintf("settle sponsor=%s id=%d", a.Sponsor.Hex(), a.LiquidationID)
	default:
		return string(a.Kind)
	}
}

// DedupeKey 返回动作在单周期内的去重键
// 同一 sponsor 的同一记录一个周期内至多提交一笔交易
func (a Action) DedupeKey() string {
	return fmt.Sprintf("%s/%s/%d", a.Kind, a.Sponsor.Hex(), a.LiquidationID)
}
