package downloader

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"weekly-stage-bot/internal/exchange"
)

const week = 7 * 24 * time.Hour

// fakeWeeks 每页返回 pageSize 根周线，从 start 开始
func fakeWeeks(pageSize int, calls *int) pageFetcher {
	return func(_ context.Context, _, _ string, start time.Time) ([]*binance.Kline, error) {
		*calls++
		out := make([]*binance.Kline, pageSize)
		for i := range out {
			open := start.Add(time.Duration(i) * week)
			price := strconv.Itoa(10 + i)
			out[i] = &binance.Kline{
				OpenTime:         open.UnixMilli(),
				Open:             price,
				High:             price,
				Low:              price,
				Close:            price,
				Volume:           "100",
				CloseTime:        open.Add(week).UnixMilli() - 1,
				QuoteAssetVolume: "1000",
			}
		}
		return out, nil
	}
}

func TestDownloadKlines_PagesUntilEnd(t *testing.T) {
	calls := 0
	d := &KlineDownloader{fetch: fakeWeeks(20, &calls), logger: zap.NewNop()}
	path := filepath.Join(t.TempDir(), "sub", "BTCUSDT.csv")
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(50 * week)

	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", path, "1w", start, end))
	assert.Equal(t, 3, calls)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	series, err := exchange.ReadCSV(f)
	require.NoError(t, err)
	assert.Len(t, series, 50)
	assert.Equal(t, 1000.0, series[0].Amount)

	// 第二次直接使用缓存
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", path, "1w", start, end))
	assert.Equal(t, 3, calls)
}

func TestDownloadKlines_FailureLeavesNoCache(t *testing.T) {
	d := &KlineDownloader{
		fetch: func(context.Context, string, string, time.Time) ([]*binance.Kline, error) {
			return nil, errors.New("rate limited")
		},
		logger: zap.NewNop(),
	}
	path := filepath.Join(t.TempDir(), "X.csv")
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

	err := d.DownloadKlines(context.Background(), "X", path, "1w", start, start.Add(10*week))
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadPool(t *testing.T) {
	calls := 0
	ok := fakeWeeks(40, &calls)
	d := &KlineDownloader{
		fetch: func(ctx context.Context, symbol, interval string, start time.Time) ([]*binance.Kline, error) {
			if symbol == "BAD" {
				return nil, errors.New("invalid symbol")
			}
			return ok(ctx, symbol, interval, start)
		},
		logger: zap.NewNop(),
	}
	dir := t.TempDir()
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

	failed := d.DownloadPool(context.Background(), []string{"ethusdt", "BAD"}, dir, "1w", start, start.Add(40*week))
	assert.Equal(t, []string{"BAD"}, failed)

	series, err := exchange.NewFileExchange(dir).WeeklyBars(context.Background(), "ETHUSDT", 100)
	require.NoError(t, err)
	assert.Len(t, series, 40)
}
