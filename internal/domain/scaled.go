package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// LedgerDecimals 金融合约内部定点数的精度（FixedPoint 1e18）
const LedgerDecimals = 18

// FromScaled 把账本定点整数转换为十进制数
// 例：FromScaled(1500000000000000000, 18) = 1.5
func FromScaled(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ToScaled 把十进制数转换为账本定点整数（多余精度截断）
func ToScaled(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}
