package temporal

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/liqbot/goliq/internal/domain"
)

// TimeWeightedAverage 计算 [start, end] 窗口内价格样本的时间加权平均
//
// samples 必须按时间戳升序且全部落在 start 之后；carryIn 是窗口开始时刻
// 仍然生效的上一个价格（没有则传 nil）。每个样本的有效期从自身时间戳持续到
// 下一个样本出现为止，末尾追加远未来哨兵使最后一个样本的有效期有界。
// 累加 价格×有效时长 后只在最终做一次除法；窗口内没有任何有效时长时
// 返回 (0, false)。
func TimeWeightedAverage(samples []domain.PriceSample, start, end int64, carryIn *decimal.Decimal) (decimal.Decimal, bool) {
	if end <= start {
		return decimal.Zero, false
	}

	events := make([]domain.PriceSample, 0, len(samples)+2)
	if carryIn != nil {
		events = append(events, domain.PriceSample{Timestamp: start, Price: *carryIn})
	}
	events = append(events, samples...)
	events = append(events, domain.PriceSample{Timestamp: math.MaxInt64})

	weighted := decimal.Zero
	var total int64
	for i := 0; i+1 < len(events); i++ {
		cur, next := events[i], events[i+1]
		if next.Timestamp < cur.Timestamp {
			panic(fmt.Sprintf("价格样本时间戳乱序: %d 在 %d 之后", next.Timestamp, cur.Timestamp))
		}
		from := max(cur.Timestamp, start)
		to := min(next.Timestamp, end)
		if to <= from {
			continue
		}
		overlap := to - from
		weighted = weighted.Add(cur.Price.Mul(decimal.NewFromInt(overlap)))
		total += overlap
	}

	if total == 0 {
		return decimal.Zero, false
	}
	return weighted.Div(decimal.NewFromInt(total)), true
}
