package exchange

import (
	"math"
	"sort"
	"time"

	"weekly-stage-bot/internal/models"
)

// Normalize 按时间升序排序、同一时间戳保留最后一条，并丢弃价格无效的K线。
// 缺失成交额时用 收盘价*成交量 估算。返回新的序列。
func Normalize(series models.BarSeries) models.BarSeries {
	out := make(models.BarSeries, 0, len(series))
	for _, b := range series {
		if !validBar(b) {
			continue
		}
		if b.Amount == 0 {
			b.Amount = b.Close * b.Volume
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	deduped := out[:0]
	for _, b := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(b.Timestamp) {
			deduped[n-1] = b
			continue
		}
		deduped = append(deduped, b)
	}
	return deduped
}

func validBar(b models.Bar) bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Close > 0 && b.Volume >= 0 && !b.Timestamp.IsZero()
}

// weekEnding 返回 t 所在周的周五 (周六、周日归入下一个周五)，时间截断到当天零点
func weekEnding(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(time.Friday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

// ResampleWeekly 将日线合成为以周五结束的周线：
// 开盘取首日、最高取最大、最低取最小、收盘取末日、成交量与成交额求和。
// 没有交易日的周不产生K线。输入无需有序。
func ResampleWeekly(daily models.BarSeries) models.BarSeries {
	daily = Normalize(daily)
	var weekly models.BarSeries
	for _, b := range daily {
		label := weekEnding(b.Timestamp)
		n := len(weekly)
		if n > 0 && weekly[n-1].Timestamp.Equal(label) {
			w := &weekly[n-1]
			w.High = math.Max(w.High, b.High)
			w.Low = math.Min(w.Low, b.Low)
			w.Close = b.Close
			w.Volume += b.Volume
			w.Amount += b.Amount
			continue
		}
		weekly = append(weekly, models.Bar{
			Timestamp: label,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Amount:    b.Amount,
		})
	}
	return weekly
}

// looksDaily 相邻K线的中位间隔小于 5 天时视为日线
func looksDaily(series models.BarSeries) bool {
	if len(series) < 3 {
		return false
	}
	gaps := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		gaps = append(gaps, series[i].Timestamp.Sub(series[i-1].Timestamp).Hours())
	}
	sort.Float64s(gaps)
	return gaps[len(gaps)/2] < 5*24
}
