package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LiquidationState 清算记录状态（与合约端枚举编码一致）
type LiquidationState int

const (
	StateUninitialized    LiquidationState = iota // 未初始化 / 已结清归零
	StatePreDispute                               // 清算成立，争议窗口内，未被争议
	StatePendingDispute                           // 已被争议，等待价格裁决
	StateDisputeSucceeded                         // 争议成功（清算被判无效）
	StateDisputeFailed                            // 争议失败（清算被判有效）
)

// String 返回状态的可读名称
func (s LiquidationState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePreDispute:
		return "pre_dispute"
	case StatePendingDispute:
		return "pending_dispute"
	case StateDisputeSucceeded:
		return "dispute_succeeded"
	case StateDisputeFailed:
		return "dispute_failed"
	default:
		return "unknown"
	}
}

// CanTransition 校验状态迁移是否合法
// 合法迁移：PreDispute→PendingDispute（发起争议）、
// PendingDispute→DisputeSucceeded/DisputeFailed（裁决）、
// 任何终态及超期的 PreDispute→Uninitialized（提取后记录归零）
func (s LiquidationState) CanTransition(to LiquidationState) bool {
	switch s {
	case StatePreDispute:
		return to == StatePendingDispute || to == StateUninitialized
	case StatePendingDispute:
		return to == StateDisputeSucceeded || to == StateDisputeFailed
	case StateDisputeSucceeded, StateDisputeFailed:
		return to == StateUninitialized
	default:
		return false
	}
}

// Liquidation 清算记录领域模型
// 合约按 sponsor 维护记录数组，ID 为数组下标
type Liquidation struct {
	ID                   uint64           // 记录在 sponsor 数组中的下标
	Sponsor              common.Address   // 被清算仓位的所有者
	Liquidator           common.Address   // 发起清算的账户
	Disputer             common.Address   // 发起争议的账户（未争议为零地址）
	State                LiquidationState // 当前状态
	LiquidationTime      int64            // 清算发起时间（Unix 秒）
	TokensOutstanding    decimal.Decimal  // 清算时仓位的债务数量
	LockedCollateral     decimal.Decimal  // 被锁定的抵押品数量
	LiquidatedCollateral decimal.Decimal  // 净提取请求后的抵押品数量
	Price                decimal.Decimal  // 清算隐含价格（用于争议判断）
}

// IsZeroed 检查记录是否已归零（提取后状态）
func (l *Liquidation) IsZeroed() bool {
	return l.State == StateUninitialized
}

// LivenessPassed 判断争议窗口是否已结束
func (l *Liquidation) LivenessPassed(now, liveness int64) bool {
	return now >= l.LiquidationTime+liveness
}

// SettleableBy 判断指定账户当前是否可以提取该记录的清算结果
// PreDispute 且争议期已过：清算人可提取；
// DisputeSucceeded：争议人与 sponsor 可提取；
// DisputeFailed：清算人可提取
func (l *Liquidation) SettleableBy(account common.Address, now, liveness int64) bool {
	switch l.State {
	case StatePreDispute:
		return l.LivenessPassed(now, liveness) && account == l.Liquidator
	case StateDisputeSucceeded:
		return account == l.Disputer || account == l.Sponsor
	case StateDisputeFailed:
		return account == l.Liquidator
	default:
		return false
	}
}
