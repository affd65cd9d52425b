package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-stage-bot/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func batch(date, id string, records ...ScanRecord) ScanBatch {
	phase2 := 0
	for _, r := range records {
		if r.Phase == models.PhaseRising {
			phase2++
		}
	}
	return ScanBatch{
		Stats: ScanStatistics{
			ScanDate:        date,
			BatchID:         id,
			TotalStocks:     len(records) + 1,
			ValidStocks:     len(records),
			Phase2Count:     phase2,
			SignalCount:     len(records),
			IndexPhase:      models.PhaseRising,
			DurationSeconds: 1.5,
			FilterConfig:    `{"ma_period":30}`,
		},
		Records: records,
	}
}

func rising(symbol string, price, strength float64) ScanRecord {
	return ScanRecord{
		Symbol:        symbol,
		Name:          symbol + "名称",
		Phase:         models.PhaseRising,
		Signal:        models.SignalHold,
		CurrentPrice:  price,
		MA30:          price * 0.9,
		TrendStrength: strength,
		VolumeRatio:   1,
		WeeksInPhase2: 5,
		Reasons:       []models.ReasonCode{models.ReasonMARising, models.ReasonTrendIntact},
	}
}

func TestInitDB_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scan.db")
	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// 重复打开不会重建表
	db, err = InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSaveAndLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-05", "b1", rising("AAA", 10, 0.05))))

	buy := rising("BBB", 20, 0.08)
	buy.Signal = models.SignalBuy
	buy.BreakoutConfirmed = true
	buy.Reasons = []models.ReasonCode{models.ReasonBreakoutConfirmed, models.ReasonVolumeSurge}
	buy.StopLoss = floatPtr(18.4)
	buy.PositionSize = intPtr(1200)
	weak := rising("CCC", 30, 0.03)
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-12", "b2", weak, buy)))

	latest, err := GetLatestScanResults(ctx, db, "")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "BBB", latest[0].Symbol, "strongest trend first")
	assert.Equal(t, "b2", latest[0].BatchID)
	assert.Equal(t, "2024-01-12", latest[0].ScanDate)
	assert.Equal(t, models.SignalBuy, latest[0].Signal)
	assert.Equal(t, models.PhaseRising, latest[0].Phase)
	assert.True(t, latest[0].BreakoutConfirmed)
	assert.Equal(t, buy.Reasons, latest[0].Reasons)
	require.NotNil(t, latest[0].StopLoss)
	assert.Equal(t, 18.4, *latest[0].StopLoss)
	require.NotNil(t, latest[0].PositionSize)
	assert.Equal(t, 1200, *latest[0].PositionSize)
	assert.Nil(t, latest[1].StopLoss)
	assert.Nil(t, latest[1].PositionSize)

	one, err := GetLatestScanResults(ctx, db, "CCC")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "CCC", one[0].Symbol)
}

func TestGetLatestScanResults_Empty(t *testing.T) {
	latest, err := GetLatestScanResults(context.Background(), openTestDB(t), "")
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestSaveScanResults_DuplicateBatchRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-05", "dup", rising("AAA", 10, 0.05))))

	err := SaveScanResults(ctx, db, batch("2024-01-06", "dup", rising("BBB", 10, 0.05)))
	require.Error(t, err)

	history, err := GetScanHistory(ctx, db, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "AAA", history[0].Symbol)
}

func TestGetScanHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-05", "b1", rising("AAA", 10, 0.05), rising("BBB", 11, 0.04))))
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-12", "b2", rising("AAA", 12, 0.06))))
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-19", "b3", rising("AAA", 13, 0.07))))

	all, err := GetScanHistory(ctx, db, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "2024-01-19", all[0].ScanDate)

	ranged, err := GetScanHistory(ctx, db, HistoryFilter{StartDate: "2024-01-06", EndDate: "2024-01-12"})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, 12.0, ranged[0].CurrentPrice)

	bySymbol, err := GetScanHistory(ctx, db, HistoryFilter{Symbol: "BBB"})
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)

	limited, err := GetScanHistory(ctx, db, HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetScanStatistics(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-05", "b1", rising("AAA", 10, 0.05))))
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-12", "b2", rising("AAA", 10, 0.05), rising("BBB", 10, 0.05))))

	stats, err := GetScanStatistics(ctx, db, "", "", 0)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "b2", stats[0].BatchID)
	assert.Equal(t, 3, stats[0].TotalStocks)
	assert.Equal(t, 2, stats[0].Phase2Count)
	assert.Equal(t, models.PhaseRising, stats[0].IndexPhase)
	assert.Equal(t, 1.5, stats[0].DurationSeconds)

	stats, err = GetScanStatistics(ctx, db, "2024-01-10", "", 0)
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}

func TestGetStockAppearanceCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	top := rising("CCC", 50, 0.01)
	top.Phase = models.PhaseTop
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-05", "b1", rising("AAA", 10, 0.04), rising("BBB", 20, 0.05), top)))
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-12", "b2", rising("AAA", 12, 0.06), top)))
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-19", "b3", rising("AAA", 14, 0.08))))

	out, err := GetStockAppearanceCount(ctx, db, "", "", 2)
	require.NoError(t, err)
	require.Len(t, out, 1, "only rising-phase appearances count")
	assert.Equal(t, "AAA", out[0].Symbol)
	assert.Equal(t, 3, out[0].AppearanceCount)
	assert.InDelta(t, 12.0, out[0].AvgPrice, 1e-9)
	assert.InDelta(t, 0.06, out[0].AvgStrength, 1e-9)
	assert.Equal(t, "2024-01-19", out[0].LastSeen)

	out, err = GetStockAppearanceCount(ctx, db, "2024-01-01", "2024-01-07", 1)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestDeleteOldRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, SaveScanResults(ctx, db, batch("2023-01-06", "old", rising("AAA", 10, 0.05), rising("BBB", 10, 0.05))))
	require.NoError(t, SaveScanResults(ctx, db, batch("2024-01-05", "new", rising("AAA", 10, 0.05))))

	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	deleted, err := DeleteOldRecords(ctx, db, now, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted, "two records plus one statistics row")

	history, err := GetScanHistory(ctx, db, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].BatchID)
}

func TestReasonsEncoding(t *testing.T) {
	codes := []models.ReasonCode{models.ReasonBelowMA, models.ReasonIndexBottomCaution}
	assert.Equal(t, "BELOW_MA,INDEX_BOTTOM_CAUTION", encodeReasons(codes))
	assert.Equal(t, codes, decodeReasons("BELOW_MA,INDEX_BOTTOM_CAUTION"))
	assert.Nil(t, decodeReasons(""))
	assert.Equal(t, []models.ReasonCode{models.ReasonBelowMA}, decodeReasons("BELOW_MA,NOT_A_CODE"))
}
