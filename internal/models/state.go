package models

import "time"

// Position 持仓记录，由持仓管理器独占写入
type Position struct {
	Symbol         string    `json:"symbol"`           // 股票代码
	Name           string    `json:"name,omitempty"`   // 股票名称
	EntryPrice     float64   `json:"entry_price"`      // 入场价格
	EntryTime      time.Time `json:"entry_time"`       // 入场时间
	Shares         int       `json:"shares"`           // 持股数量
	StopLoss       float64   `json:"stop_loss"`        // 当前止损价，只能上移
	AddOnCount     int       `json:"add_on_count"`     // 已加仓次数
	LastPrice      float64   `json:"last_price"`       // 最近一次更新时的价格
	LastUpdateTime time.Time `json:"last_update_time"` // 最后更新时间
}

// MarketValue 按给定价格计算市值
func (p Position) MarketValue(price float64) float64 {
	return price * float64(p.Shares)
}

// ProfitLoss 按给定价格计算浮动盈亏金额
func (p Position) ProfitLoss(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Shares)
}

// ProfitLossPercent 按给定价格计算浮动盈亏比例 (%)
func (p Position) ProfitLossPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// PortfolioState 定义了需要持久化的全部持仓数据
type PortfolioState struct {
	Version        int                  `json:"version"`          // 状态模型的版本号，用于未来迁移
	Positions      map[string]*Position `json:"positions"`        // symbol -> 持仓
	LastUpdateTime time.Time            `json:"last_update_time"` // 状态最后更新的时间戳
}

// NewPortfolioState returns an empty state at the current schema version.
func NewPortfolioState() *PortfolioState {
	return &PortfolioState{
		Version:   1,
		Positions: make(map[string]*Position),
	}
}
