package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/liqbot/goliq/internal/domain"
	"github.com/liqbot/goliq/internal/registry"
)

var log = logrus.WithField("component", "engine")

// Config 决策参数
type Config struct {
	CRThreshold        decimal.Decimal  // 清算扩边比例，[0,1)
	DeviationTolerance decimal.Decimal  // 争议偏差容忍度，≥0
	DisputeDelay       int64            // 清算成立后最短等待秒数，≥0
	PriceOverride      *decimal.Decimal // 价格覆盖；设置后替代本轮所有参考价读取
}

// Validate 校验参数范围
func (c Config) Validate() error {
	if c.CRThreshold.IsNegative() || c.CRThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("清算扩边比例必须在 [0, 1) 区间: %s", c.CRThreshold)
	}
	if c.DeviationTolerance.IsNegative() {
		return fmt.Errorf("争议偏差容忍度不能为负: %s", c.DeviationTolerance)
	}
	if c.DisputeDelay < 0 {
		return fmt.Errorf("争议延迟不能为负: %d", c.DisputeDelay)
	}
	if c.PriceOverride != nil && !c.PriceOverride.IsPositive() {
		return fmt.Errorf("价格覆盖必须为正: %s", c.PriceOverride)
	}
	return nil
}

// PriceResolver 按时间戳解析历史参考价
type PriceResolver func(ts int64) (decimal.Decimal, error)

// Engine 决策引擎
// 三个选择器都是纯函数：只读快照与价格，产出行动列表，不碰账本
type Engine struct {
	cfg Config
}

// New 创建决策引擎；配置非法立即失败，绝不带病运行
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// SelectLiquidationTargets 计算应清算的仓位
//
// 入选条件: collateral < debt × price × collateralRequirement × (1 + crThreshold)，
// 等于边界值视为安全。带提取请求的仓位即使请求完成后可恢复达标，
// 也按当前债务口径入选：请求可能被取消，按现状处置。
func (e *Engine) SelectLiquidationTargets(snap *registry.Snapshot, price decimal.Decimal) []domain.Action {
	price = e.effectivePrice(price)
	if !price.IsPositive() {
		log.Warnf("参考价格非正 (%s)，本轮不做清算决策", price)
		return nil
	}

	var actions []domain.Action
	for _, p := range snap.Underwater(price, e.cfg.CRThreshold) {
		if p.HasPendingWithdrawal() {
			log.Infof("仓位 %s 带提取请求仍被选中清算 (抵押 %s / 债务 %s)",
				p.Sponsor.Hex(), p.Collateral, p.TokensOutstanding)
		}
		actions = append(actions, domain.Action{
			Kind:         domain.ActionLiquidate,
			Sponsor:      p.Sponsor,
			Price:        price,
			TokensNeeded: p.TokensOutstanding,
		})
	}
	return actions
}

// SelectDisputeTargets 计算应争议的清算记录
//
// 入选条件: |清算隐含价 − 参考价| / 参考价 > 容忍度，且记录年龄
// ≥ disputeDelay（按账本时钟）。单条记录缺少参考价只跳过该条。
func (e *Engine) SelectDisputeTargets(snap *registry.Snapshot, refPriceAt PriceResolver, now int64) []domain.Action {
	var actions []domain.Action
	for _, l := range snap.Undisputed() {
		if now-l.LiquidationTime < e.cfg.DisputeDelay {
			continue
		}
		ref, err := e.referencePrice(refPriceAt, l.LiquidationTime)
		if err != nil {
			log.Warnf("清算记录 %s#%d 缺少参考价格，本轮跳过: %v", l.Sponsor.Hex(), l.ID, err)
			continue
		}
		if !e.deviationExceeded(l.Price, ref) {
			continue
		}
		actions = append(actions, domain.Action{
			Kind:          domain.ActionDispute,
			Sponsor:       l.Sponsor,
			LiquidationID: l.ID,
			Price:         ref,
			// 争议需要按锁定抵押品比例缴纳保证金
			TokensNeeded: snap.DisputeBondPercentage.Mul(l.LockedCollateral),
		})
	}
	return actions
}

// SelectSettleableActions 计算 account 可提取酬金的清算记录
func (e *Engine) SelectSettleableActions(snap *registry.Snapshot, account common.Address, now int64) []domain.Action {
	var actions []domain.Action
	for _, l := range snap.SettleableBy(account, now) {
		actions = append(actions, domain.Action{
			Kind:          domain.ActionSettle,
			Sponsor:       l.Sponsor,
			LiquidationID: l.ID,
		})
	}
	return actions
}

// deviationExceeded 对参考价做对称偏差检验
func (e *Engine) deviationExceeded(proposed, ref decimal.Decimal) bool {
	if !ref.IsPositive() {
		return false
	}
	deviation := proposed.Sub(ref).Abs().Div(ref)
	return deviation.GreaterThan(e.cfg.DeviationTolerance)
}

// referencePrice 解析某时刻的参考价；覆盖价生效时替代一切读取
func (e *Engine) referencePrice(refPriceAt PriceResolver, ts int64) (decimal.Decimal, error) {
	if e.cfg.PriceOverride != nil {
		return *e.cfg.PriceOverride, nil
	}
	return refPriceAt(ts)
}

// effectivePrice 当前价与覆盖价之间取生效值
func (e *Engine) effectivePrice(current decimal.Decimal) decimal.Decimal {
	if e.cfg.PriceOverride != nil {
		return *e.cfg.PriceOverride
	}
	return current
}
