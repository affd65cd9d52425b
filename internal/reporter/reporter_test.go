package reporter

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/risk"
	"weekly-stage-bot/internal/scanner"
	"weekly-stage-bot/internal/storage"
)

func TestReasonText(t *testing.T) {
	assert.Equal(t, "价格跌破均线", ReasonText(models.ReasonBelowMA))
	assert.Equal(t, "ReasonCode(99)", ReasonText(models.ReasonCode(99)))
	assert.Equal(t, "均线走平; 等待放量突破",
		ReasonsText([]models.ReasonCode{models.ReasonMAFlat, models.ReasonAwaitBreakout}))

	// 每个理由代码都有说明
	for code := models.ReasonMAFlat; code <= models.ReasonIndexBottomCaution; code++ {
		assert.NotEqual(t, code.String(), ReasonText(code), code.String())
	}
}

func TestPrintScanReport(t *testing.T) {
	stop, size := 9.2, 1000
	report := &scanner.Report{
		BatchID:  "20240105-abc",
		ScanDate: time.Date(2024, 1, 5, 15, 30, 0, 0, time.Local),
		Market:   &models.MarketContext{IndexSymbol: "000300", IndexName: "沪深300", IndexPhase: models.PhaseBottom},
		Results: []scanner.Result{
			{Symbol: "600000", Name: "浦发银行", Phase: models.PhaseRising, CurrentPrice: 10, MA: 9, Held: true, TakeProfit: true},
		},
		Signals: []models.TradeSignal{
			{Symbol: "600000", Kind: models.SignalBuy, Phase: models.PhaseRising, CurrentPrice: 10, StopLoss: &stop, PositionSize: &size,
				Reasons: []models.ReasonCode{models.ReasonBreakoutConfirmed, models.ReasonIndexBottomCaution}},
			{Symbol: "600001", Kind: models.SignalHold, Phase: models.PhaseRising},
		},
		Failed:      map[string]error{"600002": errors.New("no market data")},
		PhaseCounts: map[models.Phase]int{models.PhaseRising: 1},
		Duration:    1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	PrintScanReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "20240105-abc")
	assert.Contains(t, out, "沪深300")
	assert.Contains(t, out, "第一阶段(底部)")
	assert.Contains(t, out, "600000 浦发银行")
	assert.Contains(t, out, "止盈")
	assert.Contains(t, out, "BUY")
	assert.Contains(t, out, "9.20")
	assert.Contains(t, out, "1000")
	assert.Contains(t, out, "大盘处于底部阶段，谨慎")
	assert.Contains(t, out, "no market data")
	assert.NotContains(t, out, "600001", "HOLD signals are not listed")
}

func TestPrintScanReport_NoMarket(t *testing.T) {
	var buf bytes.Buffer
	PrintScanReport(&buf, &scanner.Report{PhaseCounts: map[models.Phase]int{}})
	assert.Contains(t, buf.String(), "不做大盘过滤")
}

func TestPrintPositions(t *testing.T) {
	engine := risk.NewEngine(models.RiskConfig{
		TotalCapital:             100000,
		MaxLossPercent:           2,
		StopLossPercent:          8,
		MaxPositions:             1,
		SinglePositionMaxPercent: 60,
	})
	positions := []models.Position{
		{Symbol: "AAA", EntryPrice: 10, Shares: 1000, StopLoss: 9.2, LastPrice: 12},
		{Symbol: "BBB", EntryPrice: 20, Shares: 500, StopLoss: 18.4},
	}

	var buf bytes.Buffer
	PrintPositions(&buf, positions, engine)
	out := buf.String()

	assert.Contains(t, out, "AAA")
	assert.Contains(t, out, "2000.00")
	assert.Contains(t, out, "20.00%")
	assert.Contains(t, out, "2/1")
	assert.Contains(t, out, "超限")
}

func TestPrintHistoryAndAppearances(t *testing.T) {
	var buf bytes.Buffer
	PrintHistory(&buf, []storage.ScanRecord{
		{ScanDate: "2024-01-05", Symbol: "AAA", Phase: models.PhaseRising, Signal: models.SignalBuy, BreakoutConfirmed: true},
	})
	PrintAppearances(&buf, []storage.Appearance{
		{Symbol: "AAA", AppearanceCount: 3, AvgPrice: 12, AvgStrength: 0.06, LastSeen: "2024-01-19"},
	})
	out := buf.String()
	assert.Contains(t, out, "2024-01-05")
	assert.Contains(t, out, "第二阶段(上升)")
	assert.Contains(t, out, "2024-01-19")
	assert.Contains(t, out, "0.0600")
}
