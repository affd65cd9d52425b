// Package signal 根据阶段和周线生成交易信号，并按大盘环境过滤。
package signal

import (
	"weekly-stage-bot/internal/indicator"
	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/risk"
)

const (
	supportLookback = 20 // 买入止损参考的支撑位周数
	pullbackWindow  = 5  // 回踩判断的最近周数
	pullbackMinBars = 10
	pullbackBand    = 0.03 // 收盘价距离均线 ±3% 视为回踩
	sellLookback    = 4
	sellMinBelowMA  = 2
	minNewEntryBars = 3
)

// Rules 信号规则，无状态，可并发使用
type Rules struct {
	cfg  models.AnalyzerConfig
	risk *risk.Engine
}

// NewRules 创建信号规则。risk 用于计算 BUY 信号的止损价。
func NewRules(cfg models.AnalyzerConfig, engine *risk.Engine) *Rules {
	return &Rules{cfg: cfg, risk: engine}
}

// Decide 对单只股票生成信号，最多返回一条。
// 数据不足一个均线周期或阶段未知时返回 nil。
func (r *Rules) Decide(symbol string, phase models.Phase, metrics models.PhaseMetrics, series models.BarSeries) []models.TradeSignal {
	if len(series) < r.cfg.MAPeriod || phase == models.PhaseUnknown {
		return nil
	}

	ma := indicator.MovingAverage(series.Closes(), r.cfg.MAPeriod, r.cfg.MinObservations)
	last := series.Last()
	lastMA := indicator.Last(ma)

	sig := models.TradeSignal{
		Symbol:       symbol,
		Phase:        phase,
		CurrentPrice: last.Close,
		MAValue:      lastMA,
		VolumeRatio:  r.volumeRatio(series),
		Timestamp:    last.Timestamp,
	}

	switch phase {
	case models.PhaseBottom:
		sig.Kind = models.SignalWatch
		sig.Reasons = []models.ReasonCode{models.ReasonMAFlat, models.ReasonAwaitBreakout}

	case models.PhaseRising:
		switch {
		case r.isNewEntry(metrics, series, lastMA):
			sig.Kind = models.SignalBuy
			sig.Reasons = buyReasons(metrics, last.Close, lastMA)
			stop := r.risk.StopLoss(last.Close, risk.SupportLevel(series, supportLookback), 0)
			sig.StopLoss = &stop
		case isPullbackAdd(series, ma):
			sig.Kind = models.SignalAddPosition
			sig.Reasons = []models.ReasonCode{models.ReasonPullbackToMA}
		default:
			sig.Kind = models.SignalHold
			sig.Reasons = []models.ReasonCode{models.ReasonMARising, models.ReasonTrendIntact}
		}

	case models.PhaseTop:
		if shouldSell(metrics, series, ma, lastMA) {
			sig.Kind = models.SignalSell
			sig.Reasons = sellReasons(metrics, last.Close, lastMA)
		} else {
			sig.Kind = models.SignalHold
			sig.Reasons = []models.ReasonCode{models.ReasonWatchForSell}
		}

	case models.PhaseFalling:
		sig.Kind = models.SignalSell
		sig.Reasons = []models.ReasonCode{models.ReasonMAFalling}
		if last.Close < lastMA {
			sig.Reasons = append(sig.Reasons, models.ReasonBelowMA)
		}

	default:
		return nil
	}
	return []models.TradeSignal{sig}
}

// volumeRatio 最新成交量 / 最近 VolumeMAPeriod 周平均成交量
func (r *Rules) volumeRatio(series models.BarSeries) float64 {
	avg := indicator.Mean(indicator.Tail(series.Volumes(), r.cfg.VolumeMAPeriod))
	if !indicator.IsDefined(avg) || avg <= 0 {
		return 1
	}
	return series.Last().Volume / avg
}

// isNewEntry 放量突破、均线向上且收盘在均线之上
func (r *Rules) isNewEntry(m models.PhaseMetrics, series models.BarSeries, lastMA float64) bool {
	if len(series) < minNewEntryBars || !indicator.IsDefined(lastMA) {
		return false
	}
	return m.BreakoutConfirmed && m.VolumeConfirmation &&
		m.Direction == models.DirectionUp &&
		series.Last().Close > lastMA
}

// isPullbackAdd 最近几周内出现回踩均线后收高
func isPullbackAdd(series models.BarSeries, ma []float64) bool {
	if len(series) < pullbackMinBars {
		return false
	}
	start := len(series) - pullbackWindow
	for i := start; i < len(series)-1; i++ {
		if !indicator.IsDefined(ma[i]) || ma[i] == 0 {
			continue
		}
		ratio := series[i].Close / ma[i]
		if ratio >= 1-pullbackBand && ratio <= 1+pullbackBand && series[i+1].Close > series[i].Close {
			return true
		}
	}
	return false
}

// shouldSell 均线不再向上、收盘跌破均线，且最近 4 周至少 2 周收在均线下方
func shouldSell(m models.PhaseMetrics, series models.BarSeries, ma []float64, lastMA float64) bool {
	if m.Direction == models.DirectionUp || !indicator.IsDefined(lastMA) || series.Last().Close >= lastMA {
		return false
	}
	below := 0
	for i := len(series) - sellLookback; i < len(series); i++ {
		if i >= 0 && indicator.IsDefined(ma[i]) && series[i].Close < ma[i] {
			below++
		}
	}
	return below >= sellMinBelowMA
}

func buyReasons(m models.PhaseMetrics, price, ma float64) []models.ReasonCode {
	reasons := []models.ReasonCode{models.ReasonBreakoutConfirmed}
	if m.Direction == models.DirectionUp {
		reasons = append(reasons, models.ReasonMARising)
	}
	if m.VolumeConfirmation {
		reasons = append(reasons, models.ReasonVolumeSurge)
	}
	if price > ma {
		reasons = append(reasons, models.ReasonAboveMA)
	}
	return append(reasons, models.ReasonStage2Setup)
}

func sellReasons(m models.PhaseMetrics, price, ma float64) []models.ReasonCode {
	var reasons []models.ReasonCode
	if m.Direction == models.DirectionDown {
		reasons = append(reasons, models.ReasonMAFalling)
	} else {
		reasons = append(reasons, models.ReasonMAFlat)
	}
	if price < ma {
		reasons = append(reasons, models.ReasonBelowMA)
	}
	if m.VolumeConfirmation {
		reasons = append(reasons, models.ReasonDistributionVolume)
	}
	return append(reasons, models.ReasonTrendWeakening)
}
