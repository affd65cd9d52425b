package signal

import "weekly-stage-bot/internal/models"

// FilterByMarket 按大盘阶段过滤信号，返回新切片，不修改输入。
// 大盘下跌阶段去掉所有 BUY；大盘底部阶段的 BUY 追加谨慎提示。
// market 为 nil 时只复制。
func FilterByMarket(signals []models.TradeSignal, market *models.MarketContext) []models.TradeSignal {
	out := make([]models.TradeSignal, 0, len(signals))
	for _, s := range signals {
		if market == nil {
			out = append(out, s)
			continue
		}
		s.IndexPhase = market.IndexPhase
		if s.Kind == models.SignalBuy {
			switch market.IndexPhase {
			case models.PhaseFalling:
				continue
			case models.PhaseBottom:
				reasons := make([]models.ReasonCode, 0, len(s.Reasons)+1)
				reasons = append(reasons, s.Reasons...)
				s.Reasons = append(reasons, models.ReasonIndexBottomCaution)
			}
		}
		out = append(out, s)
	}
	return out
}
