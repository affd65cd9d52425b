package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"weekly-stage-bot/internal/models"
)

// 币安单次请求最多返回 1000 条
const maxKlineLimit = 1000

// klineFetcher 抽象出 K 线请求，便于测试
type klineFetcher func(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error)

// BinanceExchange 通过币安公共接口获取周线，周线不足时从日线合成。
type BinanceExchange struct {
	fetch  klineFetcher
	logger *zap.Logger
}

// NewBinanceExchange 创建币安数据源。行情接口不需要签名，apiKey/secretKey 可为空。
func NewBinanceExchange(apiKey, secretKey string, logger *zap.Logger) *BinanceExchange {
	client := binance.NewClient(apiKey, secretKey)
	return &BinanceExchange{
		fetch: func(ctx context.Context, symbol, interval string, limit int) ([]*binance.Kline, error) {
			return client.NewKlinesService().
				Symbol(symbol).
				Interval(interval).
				Limit(limit).
				Do(ctx)
		},
		logger: logger,
	}
}

// WeeklyBars 实现 Exchange 接口
func (e *BinanceExchange) WeeklyBars(ctx context.Context, symbol string, weeks int) (models.BarSeries, error) {
	symbol = NormalizeSymbol(symbol)

	klines, err := e.fetch(ctx, symbol, "1w", clampLimit(weeks))
	if err != nil {
		return nil, errors.Wrapf(err, "fetch weekly klines %s", symbol)
	}
	weekly, err := klinesToSeries(klines, true)
	if err != nil {
		return nil, errors.Wrapf(err, "parse weekly klines %s", symbol)
	}

	if len(weekly) < MinWeeklyBars {
		e.logger.Sugar().Infof("%s 周线数据不足 (%d)，尝试从日线合成", symbol, len(weekly))
		dailyKlines, err := e.fetch(ctx, symbol, "1d", clampLimit(weeks*7))
		if err != nil {
			return nil, errors.Wrapf(err, "fetch daily klines %s", symbol)
		}
		daily, err := klinesToSeries(dailyKlines, false)
		if err != nil {
			return nil, errors.Wrapf(err, "parse daily klines %s", symbol)
		}
		if resampled := ResampleWeekly(daily); len(resampled) > len(weekly) {
			weekly = resampled
		}
	}

	if len(weekly) == 0 {
		return nil, errors.Wrapf(ErrNoData, "%s", symbol)
	}
	return weekly.Tail(weeks), nil
}

func clampLimit(n int) int {
	if n <= 0 || n > maxKlineLimit {
		return maxKlineLimit
	}
	return n
}

// klinesToSeries 转换币安K线。weekly 为 true 时时间戳对齐到当周周五，与日线合成的周线一致。
func klinesToSeries(klines []*binance.Kline, weekly bool) (models.BarSeries, error) {
	series := make(models.BarSeries, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		values := make([]float64, 6)
		for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume} {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "kline at %d", k.OpenTime)
			}
			values[i] = v
		}
		ts := time.UnixMilli(k.OpenTime).UTC()
		if weekly {
			ts = weekEnding(ts)
		}
		series = append(series, models.Bar{
			Timestamp: ts,
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
			Amount:    values[5],
		})
	}
	return Normalize(series), nil
}
