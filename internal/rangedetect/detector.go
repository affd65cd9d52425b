// Package rangedetect 识别周线上的横盘区间以及区间之后的突破/跌破。
package rangedetect

import (
	"weekly-stage-bot/internal/indicator"
	"weekly-stage-bot/internal/models"
)

// Detector 横盘识别参数
type Detector struct {
	Window          int     // 滑动窗口长度 (周)
	RangeThreshold  float64 // (最高收盘-最低收盘)/平均收盘 的上限
	MAFlatThreshold float64 // std(MA)/mean(MA) 的上限
	BreakoutPercent float64 // 突破/跌破幅度 (%)
	VolumeMultiple  float64 // 放量倍数
}

// New 根据分析参数创建识别器
func New(cfg models.AnalyzerConfig) *Detector {
	return &Detector{
		Window:          cfg.ConsolidationWindow,
		RangeThreshold:  cfg.ConsolidationThreshold,
		MAFlatThreshold: cfg.SlopeThreshold,
		BreakoutPercent: cfg.BreakoutPercent,
		VolumeMultiple:  cfg.VolumeMultiple,
	}
}

// Default returns a detector with the standard 8-week / 15% / 2% parameters.
func Default() *Detector {
	return &Detector{
		Window:          8,
		RangeThreshold:  0.15,
		MAFlatThreshold: 0.02,
		BreakoutPercent: 3,
		VolumeMultiple:  2,
	}
}

// FindConsolidations 按起点升序返回所有满足条件的窗口。
// 相邻或重叠的窗口不合并，每个窗口的长度固定为 Window。
// ma 必须与 series 按索引对齐；窗口内任一 MA 未定义则该窗口不满足条件。
func (d *Detector) FindConsolidations(series models.BarSeries, ma []float64) []models.ConsolidationRange {
	if d.Window <= 0 || len(series) < d.Window || len(ma) != len(series) {
		return nil
	}

	closes := series.Closes()
	volumes := series.Volumes()

	var ranges []models.ConsolidationRange
	for start := 0; start+d.Window <= len(series); start++ {
		end := start + d.Window
		windowClose := closes[start:end]
		windowMA := ma[start:end]

		if !indicator.AllDefined(windowMA) {
			continue
		}
		meanClose := indicator.Mean(windowClose)
		meanMA := indicator.Mean(windowMA)
		if meanClose <= 0 || meanMA <= 0 {
			continue
		}

		high := indicator.Max(windowClose)
		low := indicator.Min(windowClose)
		if (high-low)/meanClose >= d.RangeThreshold {
			continue
		}
		if indicator.StdDev(windowMA)/meanMA >= d.MAFlatThreshold {
			continue
		}

		ranges = append(ranges, models.ConsolidationRange{
			StartIndex:    start,
			EndIndex:      end - 1,
			High:          high,
			Low:           low,
			AvgVolume:     indicator.Mean(volumes[start:end]),
			DurationWeeks: d.Window,
		})
	}
	return ranges
}

// Latest 返回起点最晚的区间，没有则返回 nil
func Latest(ranges []models.ConsolidationRange) *models.ConsolidationRange {
	if len(ranges) == 0 {
		return nil
	}
	r := ranges[len(ranges)-1]
	return &r
}

// confirmationBar 返回区间结束后的第一根K线。区间之后不足 2 根K线时 ok 为 false。
func confirmationBar(series models.BarSeries, r models.ConsolidationRange) (models.Bar, bool) {
	first := r.EndIndex + 1
	if first < 0 || len(series)-first < 2 {
		return models.Bar{}, false
	}
	return series[first], true
}

// DetectBreakout 检查区间结束后的第一根K线是否向上突破，以及是否放量。
func (d *Detector) DetectBreakout(series models.BarSeries, r models.ConsolidationRange) (breakout, volumeConfirmed bool) {
	bar, ok := confirmationBar(series, r)
	if !ok {
		return false, false
	}
	breakout = bar.Close > r.High*(1+d.BreakoutPercent/100)
	volumeConfirmed = bar.Volume > r.AvgVolume*d.VolumeMultiple
	return breakout, volumeConfirmed
}

// DetectBreakdown 与 DetectBreakout 对称，检查向下跌破
func (d *Detector) DetectBreakdown(series models.BarSeries, r models.ConsolidationRange) (breakdown, volumeConfirmed bool) {
	bar, ok := confirmationBar(series, r)
	if !ok {
		return false, false
	}
	breakdown = bar.Close < r.Low*(1-d.BreakoutPercent/100)
	volumeConfirmed = bar.Volume > r.AvgVolume*d.VolumeMultiple
	return breakdown, volumeConfirmed
}
