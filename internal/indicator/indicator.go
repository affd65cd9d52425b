// Package indicator 提供周线分析用到的基础统计函数。
// 所有函数都是纯函数，未定义的值使用 NaN 表示。
package indicator

import "math"

// IsDefined reports whether v carries a value (not NaN).
func IsDefined(v float64) bool {
	return !math.IsNaN(v)
}

// MovingAverage 计算简单移动平均。
// out[i] 为 values[i-period+1 .. i] 中已定义值的平均，
// 当窗口内已定义值少于 minObs 时为 NaN。
func MovingAverage(values []float64, period, minObs int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	if minObs <= 0 {
		minObs = 1
	}
	for i := range values {
		start := i - period + 1
		if start < 0 {
			start = 0
		}
		sum, n := 0.0, 0
		for _, v := range values[start : i+1] {
			if IsDefined(v) {
				sum += v
				n++
			}
		}
		if n < minObs {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out
}

// NormalizedSlope 对 ma 最后 lookback 个位置中已定义的值做最小二乘拟合，
// 返回斜率除以这些值的均值。已定义值少于 2 个或均值为 0 时返回 0。
func NormalizedSlope(ma []float64, lookback int) float64 {
	if lookback <= 0 || len(ma) == 0 {
		return 0
	}
	tail := ma
	if len(ma) > lookback {
		tail = ma[len(ma)-lookback:]
	}
	ys := make([]float64, 0, len(tail))
	for _, v := range tail {
		if IsDefined(v) {
			ys = append(ys, v)
		}
	}
	if len(ys) < 2 {
		return 0
	}
	mean := Mean(ys)
	if mean == 0 {
		return 0
	}
	return OLSSlope(ys) / mean
}

// OLSSlope 以 0..n-1 为横坐标做一元线性回归，返回斜率
func OLSSlope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	xMean := (n - 1) / 2
	yMean := Mean(ys)
	var num, den float64
	for i, y := range ys {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Mean returns the arithmetic mean, or NaN for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev 总体标准差 (ddof=0)
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	m := Mean(values)
	sq := 0.0
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)))
}

// Min returns the smallest value, or NaN for an empty slice.
func Min(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest value, or NaN for an empty slice.
func Max(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// AllDefined reports whether no element is NaN.
func AllDefined(values []float64) bool {
	for _, v := range values {
		if !IsDefined(v) {
			return false
		}
	}
	return true
}

// Last returns the last element, or NaN for an empty slice.
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Tail returns the last n elements (or all of them if shorter).
func Tail(values []float64, n int) []float64 {
	if n >= len(values) {
		return values
	}
	if n <= 0 {
		return nil
	}
	return values[len(values)-n:]
}
