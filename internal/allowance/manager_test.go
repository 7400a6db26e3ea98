package allowance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/liqbot/goliq/internal/chain"
)

type fakeLedger struct {
	allowance      *big.Int
	allowanceCalls int
	approveCalls   int
	failApprove    bool
}

func (f *fakeLedger) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (f *fakeLedger) Allowance(_ context.Context, _, _, _ common.Address) (*big.Int, error) {
	f.allowanceCalls++
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeLedger) ApproveMax(_ context.Context, _, _ common.Address) (*ethtypes.Receipt, error) {
	f.approveCalls++
	if f.failApprove {
		return nil, errors.New("交易被拒")
	}
	f.allowance = new(big.Int).Set(chain.MaxUint256)
	return &ethtypes.Receipt{TxHash: common.HexToHash("0x01"), Status: ethtypes.ReceiptStatusSuccessful}, nil
}

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	spender = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestEnsureSufficientSkipsApprove(t *testing.T) {
	ledger := &fakeLedger{allowance: new(big.Int).Set(chain.MaxUint256)}
	m := NewManager(ledger)
	ctx := context.Background()

	receipt, err := m.Ensure(ctx, token, spender)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if receipt != nil {
		t.Fatal("额度充足时不应返回回执")
	}
	if ledger.approveCalls != 0 {
		t.Fatalf("额度充足时不应授权, approveCalls=%d", ledger.approveCalls)
	}

	// 第二次走缓存，不再查询
	if _, err := m.Ensure(ctx, token, spender); err != nil {
		t.Fatalf("第二次 Ensure: %v", err)
	}
	if ledger.allowanceCalls != 1 {
		t.Fatalf("缓存命中后不应重查额度, allowanceCalls=%d", ledger.allowanceCalls)
	}
}

func TestEnsureApprovesBelowLowWater(t *testing.T) {
	// 恰为低水位线时视为充足，低一个单位才重新授权
	atMark := new(big.Int).Rsh(chain.MaxUint256, 1)
	ledger := &fakeLedger{allowance: atMark}
	m := NewManager(ledger)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, token, spender); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if ledger.approveCalls != 0 {
		t.Fatal("恰在低水位线上不应授权")
	}

	below := new(big.Int).Sub(atMark, big.NewInt(1))
	ledger2 := &fakeLedger{allowance: below}
	m2 := NewManager(ledger2)

	receipt, err := m2.Ensure(ctx, token, spender)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if receipt == nil || ledger2.approveCalls != 1 {
		t.Fatalf("低于低水位线应授权一次并返回回执, receipt=%v calls=%d", receipt, ledger2.approveCalls)
	}

	// 授权后缓存生效
	if _, err := m2.Ensure(ctx, token, spender); err != nil {
		t.Fatalf("第二次 Ensure: %v", err)
	}
	if ledger2.allowanceCalls != 1 || ledger2.approveCalls != 1 {
		t.Fatalf("授权成功后不应再查询或重复授权: allowance=%d approve=%d",
			ledger2.allowanceCalls, ledger2.approveCalls)
	}
}

func TestEnsureApproveFailureNotCached(t *testing.T) {
	ledger := &fakeLedger{allowance: big.NewInt(0), failApprove: true}
	m := NewManager(ledger)
	ctx := context.Background()

	if _, err := m.Ensure(ctx, token, spender); err == nil {
		t.Fatal("授权失败应报错")
	}
	// 失败不入缓存，下次重试完整流程
	if _, err := m.Ensure(ctx, token, spender); err == nil {
		t.Fatal("仍应报错")
	}
	if ledger.allowanceCalls != 2 || ledger.approveCalls != 2 {
		t.Fatalf("失败后应重试完整流程: allowance=%d approve=%d", ledger.allowanceCalls, ledger.approveCalls)
	}
}
