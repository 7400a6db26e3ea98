package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// 清算判定的边界：等于要求值视为安全，只有严格小于才可清算
func TestPositionIsUnderwater(t *testing.T) {
	tests := []struct {
		name        string
		collateral  string
		tokens      string
		price       string
		requirement string
		threshold   string
		want        bool
	}{
		{"价格1.0时抵押率1.25高于要求1.2", "125", "100", "1.0", "1.2", "0", false},
		{"价格1.75时抵押率0.714低于要求1.2", "125", "100", "1.75", "1.2", "0", true},
		{"正好等于边界值不可清算", "120", "100", "1.0", "1.2", "0", false},
		{"低于边界一个最小单位可清算", "119.999999999999999999", "100", "1.0", "1.2", "0", true},
		{"阈值放大要求后原本安全的仓位变为目标", "125", "100", "1.0", "1.2", "0.05", true},
		{"零债务仓位永远安全", "0", "0", "1.0", "1.2", "0", false},
		{"零抵押但有债务", "0", "100", "1.0", "1.2", "0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{
				Collateral:        dec(tt.collateral),
				TokensOutstanding: dec(tt.tokens),
			}
			got := p.IsUnderwater(dec(tt.price), dec(tt.requirement), dec(tt.threshold))
			if got != tt.want {
				t.Fatalf("IsUnderwater() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCollateralizationRatio(t *testing.T) {
	p := &Position{Collateral: dec("150"), TokensOutstanding: dec("100")}

	ratio, ok := p.CollateralizationRatio(dec("1.0"))
	if !ok {
		t.Fatal("expected defined ratio")
	}
	if !ratio.Equal(dec("1.5")) {
		t.Fatalf("ratio = %s, want 1.5", ratio)
	}

	// 债务为零时抵押率无定义
	empty := &Position{Collateral: dec("150"), TokensOutstanding: decimal.Zero}
	if _, ok := empty.CollateralizationRatio(dec("1.0")); ok {
		t.Fatal("zero-debt position should have undefined ratio")
	}
}

func TestHasPendingWithdrawal(t *testing.T) {
	p := &Position{WithdrawalRequestAmount: dec("10")}
	if !p.HasPendingWithdrawal() {
		t.Fatal("expected pending withdrawal")
	}
	p.WithdrawalRequestAmount = decimal.Zero
	if p.HasPendingWithdrawal() {
		t.Fatal("expected no pending withdrawal")
	}
}
