// Package executor 把决策转换成账本交易
// 直接模式下由签名账户自持代币直接调用合约；代理模式下经
// DSProxy 风格的委托账户执行，缺口兑换与目标调用捆绑在同一笔交易里
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/allowance"
	"github.com/liqbot/goliq/internal/chain"
	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/internal/risk"
	"github.com/liqbot/goliq/pkg/config"
)

var log = logrus.WithField("component", "executor")

// liquidationDeadlineSlack 清算交易的链上有效期
// 过期未上链的清算请求由合约直接拒绝，避免按陈旧价格执行
const liquidationDeadlineSlack = 5 * time.Minute

// ContractCaller 金融合约的交易面
type ContractCaller interface {
	Address() common.Address
	PackCreateLiquidation(sponsor common.Address, minPrice, maxPrice, maxTokens, deadline *big.Int) ([]byte, error)
	PackDispute(liquidationID *big.Int, sponsor common.Address) ([]byte, error)
	PackWithdrawLiquidation(liquidationID *big.Int, sponsor common.Address) ([]byte, error)
	Submit(ctx context.Context, data []byte) (*ethtypes.Receipt, error)
	CollateralCurrency(ctx context.Context) (common.Address, error)
	TokenCurrency(ctx context.Context) (common.Address, error)
}

// TokenReader 代币余额与精度查询
type TokenReader interface {
	BalanceOf(ctx context.Context, token, account common.Address) (decimal.Decimal, error)
	TokenDecimals(ctx context.Context, token common.Address) (int32, error)
}

// ProxyExecutor 委托代理账户的交易面
type ProxyExecutor interface {
	Address() common.Address
	ExecuteCall(ctx context.Context, target common.Address, callData []byte) (*ethtypes.Receipt, error)
	ExecuteSwapAndCall(ctx context.Context, router, tokenIn, tokenOut common.Address,
		amountOut, amountInMax *big.Int, target common.Address, callData []byte) (*ethtypes.Receipt, error)
}

// Result 单个动作的执行结果
type Result struct {
	Action  domain.Action
	TxHash  string
	Err     error // 回滚类失败记录在此，不中断本轮
	Skipped bool  // 干跑或熔断跳过时为 true
}

// Status 返回结果的状态标签（写行动日志用）
func (r Result) Status() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Err != nil:
		return "reverted"
	default:
		return "ok"
	}
}

// Executor 动作执行器
type Executor struct {
	contract ContractCaller
	tokens   TokenReader
	allow    *allowance.Manager
	account  common.Address
	dryRun   bool
	brake    *risk.Brake // 可为 nil，表示不装熔断器

	// 代理模式参数（proxy 为 nil 即直接模式）
	proxy    ProxyExecutor
	router   common.Address
	reserve  common.Address
	spendCap decimal.Decimal

	// 代币地址惰性解析后缓存
	mu         sync.Mutex
	synth      *common.Address
	collateral *common.Address
}

// New 创建直接模式执行器：签名账户自持代币，直接对合约发交易
func New(contract ContractCaller, tokens TokenReader, allow *allowance.Manager, account common.Address, dryRun bool) (*Executor, error) {
	if allow == nil {
		return nil, fmt.Errorf("直接模式需要授权管理器")
	}
	return &Executor{
		contract: contract,
		tokens:   tokens,
		allow:    allow,
		account:  account,
		dryRun:   dryRun,
	}, nil
}

// NewWithProxy 创建代理模式执行器
// 代理相关参数属于配置问题，缺失或非法在这里立即失败，不进入周期
func NewWithProxy(contract ContractCaller, tokens TokenReader, proxy ProxyExecutor,
	account common.Address, cfg config.ProxyConfig, dryRun bool) (*Executor, error) {
	if proxy == nil || proxy.Address() == (common.Address{}) {
		return nil, fmt.Errorf("代理账户尚未创建，请先对注册表执行 build")
	}
	if cfg.RouterAddress == (common.Address{}) {
		return nil, fmt.Errorf("代理模式需要配置兑换路由地址")
	}
	if cfg.ReserveCurrency == (common.Address{}) {
		return nil, fmt.Errorf("代理模式需要配置储备币地址")
	}
	if !cfg.SpendCap.IsPositive() {
		return nil, fmt.Errorf("代理模式需要正的储备币消耗上限: %s", cfg.SpendCap)
	}
	return &Executor{
		contract: contract,
		tokens:   tokens,
		account:  account,
		dryRun:   dryRun,
		proxy:    proxy,
		router:   cfg.RouterAddress,
		reserve:  cfg.ReserveCurrency,
		spendCap: cfg.SpendCap,
	}, nil
}

// SetBrake 装配熔断器
// 连续回滚达到阈值后整轮剩余动作全部跳过，直到人工恢复
func (x *Executor) SetBrake(b *risk.Brake) {
	x.brake = b
}

// Account 返回在账本上署名行动的账户
// 代理模式下清算记录的 liquidator/disputer 是代理地址而非签名账户
func (x *Executor) Account() common.Address {
	if x.proxy != nil {
		return x.proxy.Address()
	}
	return x.account
}

// ExecuteAll 依次执行一轮决策
// 单目标回滚只丢弃该目标并记入结果；传输层失败立即返回错误，
// 由调度器按重试预算整轮重来。同一去重键一轮至多提交一笔
func (x *Executor) ExecuteAll(ctx context.Context, actions []domain.Action) ([]Result, error) {
	seen := make(map[string]struct{}, len(actions))
	results := make([]Result, 0, len(actions))

	for _, a := range actions {
		key := a.DedupeKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if x.dryRun {
			log.Infof("[干跑] %s", a.Describe())
			results = append(results, Result{Action: a, Skipped: true})
			continue
		}

		if err := x.brake.Allow(); err != nil {
			log.Warnf("熔断器已打开，跳过动作: %s", a.Describe())
			results = append(results, Result{Action: a, Err: err, Skipped: true})
			continue
		}

		receipt, err := x.execute(ctx, a)
		if err != nil {
			var revert *chain.RevertError
			if errors.As(err, &revert) {
				x.brake.OnRevert()
				log.Warnf("动作会回滚，本轮丢弃: %s: %v", a.Describe(), err)
				results = append(results, Result{Action: a, Err: err})
				continue
			}
			return results, fmt.Errorf("执行动作失败 (%s): %w", a.Describe(), err)
		}
		x.brake.OnSubmitted()

		res := Result{Action: a}
		if receipt != nil {
			res.TxHash = receipt.TxHash.Hex()
		}
		log.Infof("动作已上链: %s (tx=%s)", a.Describe(), res.TxHash)
		results = append(results, res)
	}
	return results, nil
}

func (x *Executor) execute(ctx context.Context, a domain.Action) (*ethtypes.Receipt, error) {
	switch a.Kind {
	case domain.ActionLiquidate:
		return x.liquidate(ctx, a)
	case domain.ActionDispute:
		return x.dispute(ctx, a)
	case domain.ActionSettle:
		return x.settle(ctx, a)
	default:
		panic(fmt.Sprintf("未知动作类型: %q", a.Kind))
	}
}

// liquidate 对 sponsor 发起清算
// 价格带全开：链下已按参考价判定过，链上只靠 deadline 防滞留交易
func (x *Executor) liquidate(ctx context.Context, a domain.Action) (*ethtypes.Receipt, error) {
	deadline := big.NewInt(time.Now().Add(liquidationDeadlineSlack).Unix())
	data, err := x.contract.PackCreateLiquidation(
		a.Sponsor,
		big.NewInt(0),
		chain.MaxUint256,
		domain.ToScaled(a.TokensNeeded, domain.LedgerDecimals),
		deadline,
	)
	if err != nil {
		return nil, err
	}

	if x.proxy != nil {
		synth, _, err := x.currencies(ctx)
		if err != nil {
			return nil, err
		}
		return x.viaProxy(ctx, synth, a.TokensNeeded, data)
	}

	// 合约会同时划走债务币与抵押币（最终费保证金）
	synth, collateral, err := x.currencies(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := x.allow.Ensure(ctx, synth, x.contract.Address()); err != nil {
		return nil, err
	}
	if _, err := x.allow.Ensure(ctx, collateral, x.contract.Address()); err != nil {
		return nil, err
	}
	return x.contract.Submit(ctx, data)
}

// dispute 对清算记录发起争议，保证金以抵押币缴纳
func (x *Executor) dispute(ctx context.Context, a domain.Action) (*ethtypes.Receipt, error) {
	data, err := x.contract.PackDispute(new(big.Int).SetUint64(a.LiquidationID), a.Sponsor)
	if err != nil {
		return nil, err
	}

	_, collateral, err := x.currencies(ctx)
	if err != nil {
		return nil, err
	}
	if x.proxy != nil {
		return x.viaProxy(ctx, collateral, a.TokensNeeded, data)
	}

	if _, err := x.allow.Ensure(ctx, collateral, x.contract.Address()); err != nil {
		return nil, err
	}
	return x.contract.Submit(ctx, data)
}

// settle 提取清算记录中的应得资金；不需要任何代币或授权
func (x *Executor) settle(ctx context.Context, a domain.Action) (*ethtypes.Receipt, error) {
	data, err := x.contract.PackWithdrawLiquidation(new(big.Int).SetUint64(a.LiquidationID), a.Sponsor)
	if err != nil {
		return nil, err
	}
	// 代理创建的记录只有代理本身有提取资格
	if x.proxy != nil {
		return x.proxy.ExecuteCall(ctx, x.contract.Address(), data)
	}
	return x.contract.Submit(ctx, data)
}

// viaProxy 经代理执行目标调用，余额不足时在同一笔交易里先兑换补齐
func (x *Executor) viaProxy(ctx context.Context, token common.Address, needed decimal.Decimal, data []byte) (*ethtypes.Receipt, error) {
	balance, err := x.tokens.BalanceOf(ctx, token, x.proxy.Address())
	if err != nil {
		return nil, fmt.Errorf("查询代理余额失败: %w", err)
	}

	shortfall := needed.Sub(balance)
	if !shortfall.IsPositive() {
		return x.proxy.ExecuteCall(ctx, x.contract.Address(), data)
	}

	tokenDec, err := x.tokens.TokenDecimals(ctx, token)
	if err != nil {
		return nil, err
	}
	reserveDec, err := x.tokens.TokenDecimals(ctx, x.reserve)
	if err != nil {
		return nil, err
	}

	log.Infof("代理余额不足，捆绑兑换补齐: 持有 %s / 需要 %s, 缺口 %s (消耗上限 %s)",
		balance, needed, shortfall, x.spendCap)
	return x.proxy.ExecuteSwapAndCall(ctx,
		x.router, x.reserve, token,
		domain.ToScaled(shortfall, tokenDec),
		domain.ToScaled(x.spendCap, reserveDec),
		x.contract.Address(), data)
}

// currencies 解析合约的债务币与抵押币地址（首次成功后缓存）
func (x *Executor) currencies(ctx context.Context) (synth, collateral common.Address, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.synth != nil && x.collateral != nil {
		return *x.synth, *x.collateral, nil
	}
	s, err := x.contract.TokenCurrency(ctx)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("读取债务币地址失败: %w", err)
	}
	c, err := x.contract.CollateralCurrency(ctx)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("读取抵押币地址失败: %w", err)
	}
	x.synth = &s
	x.collateral = &c
	return s, c, nil
}
