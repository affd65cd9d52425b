package risk

import "weekly-stage-bot/internal/models"

// LimitReport 组合层面的风险检查结果
type LimitReport struct {
	TotalPositions      int     `json:"total_positions"`
	MaxPositionsAllowed int     `json:"max_positions_allowed"`
	PositionsOK         bool    `json:"positions_ok"`
	MaxConcentration    float64 `json:"max_concentration"` // 最大单只市值占组合市值 (%)
	ConcentrationLimit  float64 `json:"concentration_limit"`
	ConcentrationOK     bool    `json:"concentration_ok"`
	TotalMarketValue    float64 `json:"total_market_value"`
	TotalExposure       float64 `json:"total_exposure"` // 组合市值占总资金 (%)
	TotalPnL            float64 `json:"total_pnl"`
	TotalPnLPercent     float64 `json:"total_pnl_percent"`
}

// OK reports whether every limit is satisfied.
func (r LimitReport) OK() bool {
	return r.PositionsOK && r.ConcentrationOK
}

// markPrice 持仓的估值价格，尚未更新过价格时按入场价
func markPrice(p models.Position) float64 {
	if p.LastPrice > 0 {
		return p.LastPrice
	}
	return p.EntryPrice
}

// CheckRiskLimits 检查持仓数量与集中度
func (e *Engine) CheckRiskLimits(positions []models.Position) LimitReport {
	var totalValue, totalPnL, maxValue float64
	for _, p := range positions {
		price := markPrice(p)
		v := p.MarketValue(price)
		totalValue += v
		totalPnL += p.ProfitLoss(price)
		if v > maxValue {
			maxValue = v
		}
	}

	concentration := 0.0
	if totalValue > 0 {
		concentration = maxValue / totalValue * 100
	}

	r := LimitReport{
		TotalPositions:      len(positions),
		MaxPositionsAllowed: e.cfg.MaxPositions,
		PositionsOK:         len(positions) <= e.cfg.MaxPositions,
		MaxConcentration:    concentration,
		ConcentrationLimit:  e.cfg.SinglePositionMaxPercent,
		ConcentrationOK:     concentration <= e.cfg.SinglePositionMaxPercent,
		TotalMarketValue:    totalValue,
		TotalPnL:            totalPnL,
	}
	if e.cfg.TotalCapital > 0 {
		r.TotalExposure = totalValue / e.cfg.TotalCapital * 100
		r.TotalPnLPercent = totalPnL / e.cfg.TotalCapital * 100
	}
	return r
}

// ApplyRisk 为信号填写止损价和建议股数，返回新的信号。
// BUY: 已有止损则沿用，否则按 support/atr 计算；再按止损计算仓位。
// ADD_POSITION: 需要已有持仓 pos，按金字塔规则计算加仓股数和统一止损。
// 其他信号原样返回。
func (e *Engine) ApplyRisk(sig models.TradeSignal, support, atr float64, pos *models.Position) models.TradeSignal {
	switch sig.Kind {
	case models.SignalBuy:
		if sig.StopLoss != nil && sig.PositionSize != nil {
			return sig
		}
		stop := e.StopLoss(sig.CurrentPrice, support, atr)
		if sig.StopLoss != nil {
			stop = *sig.StopLoss
		}
		sizing, _ := e.PositionSize(sig.CurrentPrice, stop, 1)
		stop = sizing.StopLossPrice
		shares := sizing.Shares
		sig.StopLoss = &stop
		sig.PositionSize = &shares

	case models.SignalAddPosition:
		if pos == nil || sig.PositionSize != nil {
			return sig
		}
		sizing, ok := e.PyramidAdd(*pos, sig.CurrentPrice, sig.CurrentPrice)
		if !ok {
			return sig
		}
		stop := sizing.StopLossPrice
		shares := sizing.Shares
		sig.StopLoss = &stop
		sig.PositionSize = &shares
	}
	return sig
}
