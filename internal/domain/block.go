package domain

import "github.com/shopspring/decimal"

// Block 账本区块的最小视图（时序索引只关心编号与时间戳）
type Block struct {
	Number    uint64 // 区块编号（严格递增）
	Timestamp int64  // 区块时间戳（Unix 秒，随编号非严格递增）
}

// PriceSample 某一时刻的参考价格样本
type PriceSample struct {
	Timestamp int64           // 样本时间戳（Unix 秒）
	Price     decimal.Decimal // 样本价格
}
