// Package risk 负责止损价、仓位、金字塔加仓与止盈判断。
// Engine 只读取启动时给定的 RiskConfig，所有方法都是纯计算，可并发调用。
package risk

import (
	"math"

	"github.com/pkg/errors"

	"weekly-stage-bot/internal/indicator"
	"weekly-stage-bot/internal/models"
)

// ErrInvalidStop 止损价不低于入场价。PositionSize 仍会返回按 8% 默认风险计算的仓位。
var ErrInvalidStop = errors.New("stop loss must be below entry price")

const (
	supportBuffer      = 0.98 // 支撑位下方 2%
	atrMultiple        = 2.0
	trailGainTrigger   = 0.10 // 盈利超过 10% 后开始保本上移
	trailLockFraction  = 0.5  // 锁定一半浮盈
	pyramidStopFactor  = 0.95 // 加仓后统一止损为加仓价下方 5%
	takeProfitTopGain  = 0.10
	takeProfitRSIGain  = 0.15
	takeProfitRSILevel = 70.0
	lotSize            = 100

	invalidStopFallback = 0.08 // 止损无效时按每股 8% 风险计算，与 StopLossPercent 无关
)

// Engine 风控引擎
type Engine struct {
	cfg models.RiskConfig
}

// NewEngine 创建风控引擎
func NewEngine(cfg models.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the risk parameters.
func (e *Engine) Config() models.RiskConfig {
	return e.cfg
}

// hardFloor 最大止损比例对应的价格，任何止损都不能低于它
func (e *Engine) hardFloor(entry float64) float64 {
	return entry * (1 - e.cfg.StopLossPercent/100)
}

// StopLoss 计算初始止损价。support/atr 为 0 表示不可用。
// 优先级: 入场价下方的支撑位 > ATR > 固定比例；结果不低于最大止损价。
func (e *Engine) StopLoss(entry, support, atr float64) float64 {
	floor := e.hardFloor(entry)
	var candidate float64
	switch {
	case support > 0 && support < entry:
		candidate = support * supportBuffer
	case atr > 0:
		candidate = entry - atrMultiple*atr
	default:
		candidate = floor
	}
	return math.Max(candidate, floor)
}

// PositionSize 按单笔最大亏损计算仓位，股数为 100 的整数倍。
// confidence 取值 (0,1]，超出范围按 1 处理。
// stop 不低于 entry 时按每股 8% 的风险计算，并同时返回 ErrInvalidStop。
func (e *Engine) PositionSize(entry, stop, confidence float64) (models.PositionSizing, error) {
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	var err error
	riskPerShare := entry - stop
	if riskPerShare <= 0 {
		err = errors.Wrapf(ErrInvalidStop, "entry %.4f stop %.4f", entry, stop)
		riskPerShare = entry * invalidStopFallback
		stop = entry - riskPerShare
	}
	if entry <= 0 || riskPerShare <= 0 {
		return models.PositionSizing{StopLossPrice: stop}, errors.Wrapf(ErrInvalidStop, "entry %.4f", entry)
	}

	maxLoss := e.cfg.TotalCapital * e.cfg.MaxLossPercent / 100 * confidence
	shares := int(math.Floor(maxLoss/riskPerShare/lotSize)) * lotSize
	if shares < lotSize {
		shares = lotSize
	}

	// 单只股票仓位上限优先
	maxValue := e.cfg.TotalCapital * e.cfg.SinglePositionMaxPercent / 100
	if float64(shares)*entry > maxValue {
		shares = int(math.Floor(maxValue/entry/lotSize)) * lotSize
	}

	return e.sizing(shares, entry, stop), err
}

func (e *Engine) sizing(shares int, price, stop float64) models.PositionSizing {
	riskAmount := float64(shares) * (price - stop)
	riskPercent := 0.0
	if e.cfg.TotalCapital > 0 {
		riskPercent = riskAmount / e.cfg.TotalCapital * 100
	}
	return models.PositionSizing{
		Shares:        shares,
		PositionValue: float64(shares) * price,
		RiskAmount:    riskAmount,
		RiskPercent:   riskPercent,
		StopLossPrice: stop,
	}
}

// TrailStop 移动止损，返回值不低于 prevStop。
// 新支撑位高于原止损时以支撑位下方 2% 为候选；否则盈利超过 10% 时锁定一半浮盈。
func (e *Engine) TrailStop(entry, prevStop, current, support float64) float64 {
	var candidate float64
	switch {
	case support > 0 && support > prevStop:
		candidate = support * supportBuffer
	case entry > 0 && (current-entry)/entry > trailGainTrigger:
		candidate = entry + trailLockFraction*(current-entry)
	default:
		return prevStop
	}
	return math.Max(candidate, prevStop)
}

// UpdateStopLoss 对持仓应用 TrailStop
func (e *Engine) UpdateStopLoss(pos models.Position, current, support float64) float64 {
	return e.TrailStop(pos.EntryPrice, pos.StopLoss, current, support)
}

// PyramidAdd 计算金字塔加仓。第 n 次加仓的股数为初始仓位的 1/2^n。
// 当前价不高于入场价，或加仓股数不足 100 股时返回 false。
func (e *Engine) PyramidAdd(pos models.Position, current, addPrice float64) (models.PositionSizing, bool) {
	if current <= pos.EntryPrice || addPrice <= 0 {
		return models.PositionSizing{}, false
	}

	base, _ := e.PositionSize(pos.EntryPrice, pos.StopLoss, 1)
	ratio := 1 / math.Pow(2, float64(pos.AddOnCount))
	shares := int(math.Floor(float64(base.Shares)*ratio/lotSize)) * lotSize
	if shares < lotSize {
		return models.PositionSizing{}, false
	}

	stop := math.Max(addPrice*pyramidStopFactor, pos.StopLoss)
	return e.sizing(shares, addPrice, stop), true
}

// ShouldTakeProfit 进入顶部阶段且盈利超过 10%，或 RSI 超买且盈利超过 15%。
// rsi 不可用时传 NaN。
func (e *Engine) ShouldTakeProfit(pos models.Position, current float64, phase models.Phase, rsi float64) bool {
	if pos.EntryPrice <= 0 {
		return false
	}
	gain := (current - pos.EntryPrice) / pos.EntryPrice
	if phase == models.PhaseTop && gain > takeProfitTopGain {
		return true
	}
	return rsi > takeProfitRSILevel && gain > takeProfitRSIGain
}

// SupportLevel 最近 lookback 根K线的最低价，数据为空时返回 0
func SupportLevel(series models.BarSeries, lookback int) float64 {
	lows := indicator.Tail(series.Lows(), lookback)
	if len(lows) == 0 {
		return 0
	}
	return indicator.Min(lows)
}
