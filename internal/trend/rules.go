package trend

import "weekly-stage-bot/internal/models"

// ruleInput 阶段规则需要的全部输入
type ruleInput struct {
	direction    models.Direction
	ratio        float64 // 收盘价/均线
	close        float64
	trailingLow  float64 // 最近 ExtremeLookback 周最低收盘
	trailingHigh float64 // 最近 ExtremeLookback 周最高收盘
	midpoint     float64 // 全部数据最高/最低收盘的中点
}

type phaseRule struct {
	name  string
	phase models.Phase
	match func(in ruleInput) bool
}

// defaultRules 返回有序规则表，第一条命中的规则决定阶段。
// band 为相对极值的带宽，默认 0.2。最后一条规则恒为真。
func defaultRules(band float64) []phaseRule {
	return []phaseRule{
		{
			name:  "rising",
			phase: models.PhaseRising,
			match: func(in ruleInput) bool {
				return in.direction == models.DirectionUp && in.ratio > 1.0
			},
		},
		{
			name:  "falling",
			phase: models.PhaseFalling,
			match: func(in ruleInput) bool {
				return in.direction == models.DirectionDown && in.ratio < 1.0
			},
		},
		{
			name:  "bottom",
			phase: models.PhaseBottom,
			match: func(in ruleInput) bool {
				return in.direction == models.DirectionFlat && in.ratio <= 1.05 &&
					in.close < in.trailingLow*(1+band)
			},
		},
		{
			name:  "top",
			phase: models.PhaseTop,
			match: func(in ruleInput) bool {
				return in.direction == models.DirectionFlat && in.ratio >= 0.95 &&
					in.close > in.trailingHigh*(1-band)
			},
		},
		{
			name:  "fallback-up",
			phase: models.PhaseRising,
			match: func(in ruleInput) bool { return in.direction == models.DirectionUp },
		},
		{
			name:  "fallback-down",
			phase: models.PhaseFalling,
			match: func(in ruleInput) bool { return in.direction == models.DirectionDown },
		},
		{
			name:  "fallback-below-midpoint",
			phase: models.PhaseBottom,
			match: func(in ruleInput) bool { return in.close < in.midpoint },
		},
		{
			name:  "fallback",
			phase: models.PhaseTop,
			match: func(ruleInput) bool { return true },
		},
	}
}
