package risk

import (
	"math"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-stage-bot/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	var cfg models.RiskConfig
	require.NoError(t, defaults.Set(&cfg))
	return NewEngine(cfg)
}

func TestStopLoss_Priority(t *testing.T) {
	e := newTestEngine(t)

	// 支撑位
	assert.InDelta(t, 95*0.98, e.StopLoss(100, 95, 3), 1e-9)
	// 支撑位太低，被最大止损抬高
	assert.InDelta(t, 92.0, e.StopLoss(100, 80, 0), 1e-9)
	// 支撑位不在入场价下方，使用 ATR
	assert.InDelta(t, 94.0, e.StopLoss(100, 105, 3), 1e-9)
	// ATR 过大，被最大止损抬高
	assert.InDelta(t, 92.0, e.StopLoss(100, 0, 10), 1e-9)
	// 都没有，固定比例
	assert.InDelta(t, 92.0, e.StopLoss(100, 0, 0), 1e-9)
}

func TestStopLoss_NeverBelowHardFloor(t *testing.T) {
	e := newTestEngine(t)
	for _, support := range []float64{0, 1, 50, 91, 93, 99.9, 150} {
		for _, atr := range []float64{0, 0.5, 2, 10, 100} {
			stop := e.StopLoss(100, support, atr)
			assert.GreaterOrEqual(t, stop, 92.0-1e-9, "support=%v atr=%v", support, atr)
		}
	}
}

func TestPositionSize(t *testing.T) {
	e := newTestEngine(t)

	t.Run("capped by single position limit", func(t *testing.T) {
		// 风险上限 20000 / 每股 8 = 2500 股，市值 250000 超过 20% 上限，压到 2000 股
		sizing, err := e.PositionSize(100, 92, 1)
		require.NoError(t, err)
		assert.Equal(t, 2000, sizing.Shares)
		assert.InDelta(t, 200000.0, sizing.PositionValue, 1e-6)
		assert.InDelta(t, 16000.0, sizing.RiskAmount, 1e-6)
		assert.InDelta(t, 1.6, sizing.RiskPercent, 1e-9)
		assert.Equal(t, 92.0, sizing.StopLossPrice)
	})

	t.Run("risk bound", func(t *testing.T) {
		// 20000 / 4 = 5000 股 -> 市值 50000
		sizing, err := e.PositionSize(10, 6, 1)
		require.NoError(t, err)
		assert.Equal(t, 5000, sizing.Shares)
	})

	t.Run("confidence scales risk", func(t *testing.T) {
		sizing, err := e.PositionSize(10, 6, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 2500, sizing.Shares)
	})

	t.Run("minimum one lot", func(t *testing.T) {
		sizing, err := e.PositionSize(10, 0.01, 0.001)
		require.NoError(t, err)
		assert.Equal(t, 100, sizing.Shares)
	})

	t.Run("invalid stop falls back to default", func(t *testing.T) {
		sizing, err := e.PositionSize(100, 101, 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidStop))
		assert.Equal(t, 92.0, sizing.StopLossPrice)
		assert.Equal(t, 2000, sizing.Shares)
	})

	t.Run("invalid stop fallback ignores stop loss percent", func(t *testing.T) {
		e := NewEngine(models.RiskConfig{
			TotalCapital:             1000000,
			MaxLossPercent:           2,
			StopLossPercent:          5,
			MaxPositions:             10,
			SinglePositionMaxPercent: 100,
		})
		sizing, err := e.PositionSize(100, 101, 1)
		assert.True(t, errors.Is(err, ErrInvalidStop))
		// 20000 / 8 = 2500 股
		assert.Equal(t, 2500, sizing.Shares)
		assert.InDelta(t, 92.0, sizing.StopLossPrice, 1e-9)
		assert.InDelta(t, 20000.0, sizing.RiskAmount, 1e-6)
	})
}

func TestPositionSize_Invariants(t *testing.T) {
	e := newTestEngine(t)
	cfg := e.Config()
	for _, entry := range []float64{3.5, 12, 48.8, 100, 260} {
		for _, stopPct := range []float64{1, 3, 5, 8} {
			sizing, err := e.PositionSize(entry, entry*(1-stopPct/100), 1)
			require.NoError(t, err)
			assert.Zero(t, sizing.Shares%100)
			assert.LessOrEqual(t, sizing.PositionValue, cfg.TotalCapital*cfg.SinglePositionMaxPercent/100+1e-6)
		}
	}
}

func TestTrailStop(t *testing.T) {
	e := newTestEngine(t)

	// 新支撑位高于原止损
	assert.InDelta(t, 100*0.98, e.TrailStop(90, 92, 105, 100), 1e-9)
	// 盈利 20%，锁定一半
	assert.InDelta(t, 100.0, e.TrailStop(90, 92, 110, 0), 1e-9)
	// 盈利不足 10%，不变
	assert.Equal(t, 92.0, e.TrailStop(90, 92, 95, 0))
	// 候选价低于原止损，不下移
	assert.Equal(t, 92.0, e.TrailStop(90, 92, 100, 93))
}

func TestTrailStop_Monotonic(t *testing.T) {
	e := newTestEngine(t)
	stop := 92.0
	prices := []float64{101, 104, 98, 115, 111, 130, 120, 125}
	supports := []float64{0, 95, 0, 99, 0, 0, 118, 80}
	for i, p := range prices {
		next := e.TrailStop(100, stop, p, supports[i])
		assert.GreaterOrEqual(t, next, stop)
		stop = next
	}
}

func TestUpdateStopLoss(t *testing.T) {
	e := newTestEngine(t)
	pos := models.Position{Symbol: "AAA", EntryPrice: 100, StopLoss: 92, Shares: 1000}
	assert.InDelta(t, 110.0, e.UpdateStopLoss(pos, 120, 0), 1e-9)
}

func TestPyramidAdd(t *testing.T) {
	e := newTestEngine(t)
	pos := models.Position{Symbol: "AAA", EntryPrice: 100, StopLoss: 92, Shares: 2000}

	t.Run("not in profit", func(t *testing.T) {
		_, ok := e.PyramidAdd(pos, 100, 100)
		assert.False(t, ok)
	})

	t.Run("halving ratios with monotonic stop", func(t *testing.T) {
		p := pos
		want := []int{2000, 1000, 500}
		addPrices := []float64{105, 110, 118}
		for i, add := range addPrices {
			prevStop := p.StopLoss
			sizing, ok := e.PyramidAdd(p, add, add)
			require.True(t, ok, "add %d", i)
			assert.Equal(t, want[i], sizing.Shares)
			assert.GreaterOrEqual(t, sizing.StopLossPrice, prevStop)
			assert.InDelta(t, add*0.95, sizing.StopLossPrice, 1e-9)

			// 调用方把新止损写回持仓，第二次起止损高于入场价
			p.StopLoss = sizing.StopLossPrice
			p.Shares += sizing.Shares
			p.AddOnCount++
		}
		assert.Greater(t, p.StopLoss, p.EntryPrice)
	})

	t.Run("stop never lowered by a cheaper add", func(t *testing.T) {
		p := pos
		p.StopLoss = 110
		sizing, ok := e.PyramidAdd(p, 112, 112)
		require.True(t, ok)
		assert.Equal(t, 110.0, sizing.StopLossPrice)
	})

	t.Run("too small", func(t *testing.T) {
		p := pos
		p.AddOnCount = 5 // 2000/32 < 100
		_, ok := e.PyramidAdd(p, 110, 110)
		assert.False(t, ok)
	})
}

func TestShouldTakeProfit(t *testing.T) {
	e := newTestEngine(t)
	pos := models.Position{EntryPrice: 100, StopLoss: 92, Shares: 100}

	assert.True(t, e.ShouldTakeProfit(pos, 111, models.PhaseTop, math.NaN()))
	assert.False(t, e.ShouldTakeProfit(pos, 109, models.PhaseTop, math.NaN()))
	assert.False(t, e.ShouldTakeProfit(pos, 111, models.PhaseRising, math.NaN()))
	assert.True(t, e.ShouldTakeProfit(pos, 116, models.PhaseRising, 75))
	assert.False(t, e.ShouldTakeProfit(pos, 116, models.PhaseRising, 65))
	assert.False(t, e.ShouldTakeProfit(pos, 114, models.PhaseRising, 80))
}

func TestSupportLevel(t *testing.T) {
	series := models.BarSeries{
		{Low: 5}, {Low: 9}, {Low: 8}, {Low: 10},
	}
	assert.Equal(t, 8.0, SupportLevel(series, 3))
	assert.Equal(t, 5.0, SupportLevel(series, 20))
	assert.Equal(t, 0.0, SupportLevel(nil, 20))
}

func TestCheckRiskLimits(t *testing.T) {
	e := newTestEngine(t)
	positions := []models.Position{
		{Symbol: "AAA", EntryPrice: 10, Shares: 1000, LastPrice: 12},
		{Symbol: "BBB", EntryPrice: 20, Shares: 1000},
	}
	r := e.CheckRiskLimits(positions)
	assert.Equal(t, 2, r.TotalPositions)
	assert.True(t, r.PositionsOK)
	assert.InDelta(t, 32000.0, r.TotalMarketValue, 1e-9)
	assert.InDelta(t, 62.5, r.MaxConcentration, 1e-9)
	assert.False(t, r.ConcentrationOK)
	assert.False(t, r.OK())
	assert.InDelta(t, 2000.0, r.TotalPnL, 1e-9)
	assert.InDelta(t, 3.2, r.TotalExposure, 1e-9)

	empty := e.CheckRiskLimits(nil)
	assert.True(t, empty.OK())
	assert.Zero(t, empty.MaxConcentration)
}

func TestApplyRisk(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)

	t.Run("buy gets stop and size", func(t *testing.T) {
		sig := models.TradeSignal{Symbol: "AAA", Kind: models.SignalBuy, CurrentPrice: 100, Timestamp: now}
		out := e.ApplyRisk(sig, 95, 0, nil)
		require.NotNil(t, out.StopLoss)
		require.NotNil(t, out.PositionSize)
		assert.InDelta(t, 93.1, *out.StopLoss, 1e-9)
		assert.Equal(t, 2000, *out.PositionSize)
		assert.Nil(t, sig.StopLoss, "input must not be modified")
	})

	t.Run("buy keeps existing stop", func(t *testing.T) {
		stop := 96.0
		sig := models.TradeSignal{Kind: models.SignalBuy, CurrentPrice: 100, StopLoss: &stop}
		out := e.ApplyRisk(sig, 0, 0, nil)
		assert.Equal(t, 96.0, *out.StopLoss)
		assert.Equal(t, 2000, *out.PositionSize)
	})

	t.Run("add position needs a holding", func(t *testing.T) {
		sig := models.TradeSignal{Kind: models.SignalAddPosition, CurrentPrice: 110}
		out := e.ApplyRisk(sig, 0, 0, nil)
		assert.Nil(t, out.PositionSize)

		pos := &models.Position{EntryPrice: 100, StopLoss: 92, Shares: 2000, AddOnCount: 1}
		out = e.ApplyRisk(sig, 0, 0, pos)
		require.NotNil(t, out.PositionSize)
		assert.Equal(t, 1000, *out.PositionSize)
		assert.InDelta(t, 104.5, *out.StopLoss, 1e-9)
	})

	t.Run("sell untouched", func(t *testing.T) {
		sig := models.TradeSignal{Kind: models.SignalSell, CurrentPrice: 100}
		out := e.ApplyRisk(sig, 95, 1, nil)
		assert.Nil(t, out.StopLoss)
		assert.Nil(t, out.PositionSize)
	})
}
