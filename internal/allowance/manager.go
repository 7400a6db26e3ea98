package allowance

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/chain"
)

var log = logrus.WithField("component", "allowance")

// lowWaterMark 低水位线：额度低于 MaxUint256 的一半时重新授权
var lowWaterMark = new(big.Int).Rsh(chain.MaxUint256, 1)

// Ledger 账本侧的授权读写
type Ledger interface {
	Address() common.Address
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	ApproveMax(ctx context.Context, token, spender common.Address) (*ethtypes.Receipt, error)
}

// Manager 维护本账户对各 spender 的 ERC20 授权额度
// 已确认充足的组合在本次运行内不再重复查询
type Manager struct {
	ledger Ledger

	mu         sync.Mutex
	sufficient map[string]struct{}
}

func NewManager(ledger Ledger) *Manager {
	return &Manager{
		ledger:     ledger,
		sufficient: make(map[string]struct{}),
	}
}

// Ensure 确保 spender 的授权额度在低水位线之上
// 额度充足返回 (nil, nil)；补授权时等待上链并返回回执
func (m *Manager) Ensure(ctx context.Context, token, spender common.Address) (*ethtypes.Receipt, error) {
	key := token.Hex() + "/" + spender.Hex()
	m.mu.Lock()
	_, ok := m.sufficient[key]
	m.mu.Unlock()
	if ok {
		return nil, nil
	}

	current, err := m.ledger.Allowance(ctx, token, m.ledger.Address(), spender)
	if err != nil {
		return nil, fmt.Errorf("查询授权额度失败: %w", err)
	}
	if current.Cmp(lowWaterMark) >= 0 {
		m.mark(key)
		return nil, nil
	}

	log.Infof("授权额度不足，重新授权: token=%s spender=%s", token.Hex(), spender.Hex())
	receipt, err := m.ledger.ApproveMax(ctx, token, spender)
	if err != nil {
		return nil, fmt.Errorf("授权交易失败: %w", err)
	}
	m.mark(key)
	log.Infof("授权完成: tx=%s", receipt.TxHash.Hex())
	return receipt, nil
}

func (m *Manager) mark(key string) {
	m.mu.Lock()
	m.sufficient[key] = struct{}{}
	m.mu.Unlock()
}
