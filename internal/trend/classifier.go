// Package trend 根据周线判断股票所处的温斯坦阶段。
package trend

import (
	"github.com/pkg/errors"

	"weekly-stage-bot/internal/indicator"
	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/rangedetect"
)

// ErrInsufficientData 周线数量不足以计算均线
var ErrInsufficientData = errors.New("insufficient data")

// MinBars 分类所需的最少周线数，MAPeriod 更大时以 MAPeriod 为准
const MinBars = 30

// Analysis 一次阶段分析的完整结果
type Analysis struct {
	Phase         models.Phase
	Metrics       models.PhaseMetrics
	MA            []float64                  // 与输入序列对齐，未定义为 NaN
	Consolidation *models.ConsolidationRange // 最近的横盘区间，可能为 nil
	Breakdown     bool                       // 最近横盘区间之后是否跌破
	VolumeRatio   float64                    // 最新成交量 / 成交量均线
}

// Classifier 阶段分类器，无状态，可并发使用
type Classifier struct {
	cfg      models.AnalyzerConfig
	detector *rangedetect.Detector
	rules    []phaseRule
}

// NewClassifier 创建分类器
func NewClassifier(cfg models.AnalyzerConfig) *Classifier {
	return &Classifier{
		cfg:      cfg,
		detector: rangedetect.New(cfg),
		rules:    defaultRules(cfg.ExtremeBandPercent / 100),
	}
}

// MovingAverage 收盘价的 MAPeriod 周均线
func (c *Classifier) MovingAverage(series models.BarSeries) []float64 {
	return indicator.MovingAverage(series.Closes(), c.cfg.MAPeriod, c.cfg.MinObservations)
}

// Slope 均线最近 SlopeLookback 个值的归一化斜率
func (c *Classifier) Slope(ma []float64) float64 {
	return indicator.NormalizedSlope(ma, c.cfg.SlopeLookback)
}

// Direction 将斜率映射为方向，阈值为严格比较
func (c *Classifier) Direction(slope float64) models.Direction {
	switch {
	case slope > c.cfg.SlopeThreshold:
		return models.DirectionUp
	case slope < -c.cfg.SlopeThreshold:
		return models.DirectionDown
	default:
		return models.DirectionFlat
	}
}

// Classify 返回阶段和指标
func (c *Classifier) Classify(series models.BarSeries) (models.Phase, models.PhaseMetrics, error) {
	a, err := c.Analyze(series)
	if err != nil {
		return models.PhaseUnknown, models.PhaseMetrics{}, err
	}
	return a.Phase, a.Metrics, nil
}

// Analyze 计算均线、斜率、横盘区间与量能，并按规则顺序判定阶段。
func (c *Classifier) Analyze(series models.BarSeries) (*Analysis, error) {
	need := max(c.cfg.MAPeriod, MinBars)
	if len(series) < need {
		return nil, errors.Wrapf(ErrInsufficientData, "need %d bars, got %d", need, len(series))
	}

	ma := c.MovingAverage(series)
	slope := c.Slope(ma)
	direction := c.Direction(slope)

	last := series.Last()
	lastMA := indicator.Last(ma)
	ratio := 1.0
	if indicator.IsDefined(lastMA) && lastMA != 0 {
		ratio = last.Close / lastMA
	}

	a := &Analysis{
		MA:          ma,
		VolumeRatio: c.VolumeRatio(series),
	}
	a.Metrics = models.PhaseMetrics{
		Slope:              slope,
		Direction:          direction,
		PriceToMARatio:     ratio,
		VolumeConfirmation: a.VolumeRatio > c.cfg.VolumeMultiple,
	}

	ranges := c.detector.FindConsolidations(series, ma)
	if latest := rangedetect.Latest(ranges); latest != nil {
		a.Consolidation = latest
		a.Metrics.ConsolidationWeeks = latest.DurationWeeks
		breakout, volume := c.detector.DetectBreakout(series, *latest)
		a.Metrics.BreakoutConfirmed = breakout && volume
		a.Breakdown, _ = c.detector.DetectBreakdown(series, *latest)
	}

	closes := series.Closes()
	recent := indicator.Tail(closes, c.cfg.ExtremeLookback)
	in := ruleInput{
		direction:    direction,
		ratio:        ratio,
		close:        last.Close,
		trailingLow:  indicator.Min(recent),
		trailingHigh: indicator.Max(recent),
		midpoint:     (indicator.Max(closes) + indicator.Min(closes)) / 2,
	}
	a.Phase = c.decide(in)
	return a, nil
}

// VolumeRatio 最新成交量与 VolumeMAPeriod 周成交量均线 (含最新一周) 的比值。
// 均线不可用或为 0 时返回 1。
func (c *Classifier) VolumeRatio(series models.BarSeries) float64 {
	if len(series) < c.cfg.VolumeMAPeriod || c.cfg.VolumeMAPeriod <= 0 {
		return 1
	}
	avg := indicator.Mean(indicator.Tail(series.Volumes(), c.cfg.VolumeMAPeriod))
	if !indicator.IsDefined(avg) || avg <= 0 {
		return 1
	}
	return series.Last().Volume / avg
}

func (c *Classifier) decide(in ruleInput) models.Phase {
	for _, r := range c.rules {
		if r.match(in) {
			return r.phase
		}
	}
	// 最后一条规则恒为真，这里不会到达
	return models.PhaseTop
}

// WeeksAboveMA 从最新一周往前数，连续收盘在均线之上的周数
func WeeksAboveMA(series models.BarSeries, ma []float64) int {
	n := 0
	for i := len(series) - 1; i >= 0 && i < len(ma); i-- {
		if !indicator.IsDefined(ma[i]) || series[i].Close <= ma[i] {
			break
		}
		n++
	}
	return n
}
