package indicator

import "math"

// RSI 计算最近 period 根K线的相对强弱指数 (简单平均)。
// 数据不足 period+1 个收盘价时 ok 为 false。
func RSI(closes []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	recent := closes[len(closes)-period-1:]
	var gains, losses float64
	for i := 1; i < len(recent); i++ {
		change := recent[i] - recent[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// ATR 计算最近 period 根K线真实波幅的简单平均。
// highs/lows/closes 必须按索引对齐，数据不足 period+1 根时 ok 为 false。
func ATR(highs, lows, closes []float64, period int) (value float64, ok bool) {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return 0, false
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		prevClose := closes[i-1]
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-prevClose), math.Abs(lows[i]-prevClose)))
		sum += tr
	}
	return sum / float64(period), true
}
