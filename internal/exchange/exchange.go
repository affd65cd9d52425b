package exchange

import (
	"context"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"weekly-stage-bot/internal/models"
)

// MinWeeklyBars 周线少于该数量时尝试用日线合成
const MinWeeklyBars = 30

// ErrNoData 数据源没有该代码的行情
var ErrNoData = errors.New("no market data")

// Exchange 定义了行情来源必须提供的方法。
// 这使得扫描器可以在本地文件和币安接口之间切换。
type Exchange interface {
	// WeeklyBars 返回最近 weeks 根周线，按时间升序。
	WeeklyBars(ctx context.Context, symbol string, weeks int) (models.BarSeries, error)
}

// NormalizeSymbol 统一代码格式：去空格、转大写，
// 去掉 A 股代码的 SH/SZ 前缀 (如 SH600519 -> 600519)。
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, prefix := range []string{"SH", "SZ"} {
		rest := strings.TrimPrefix(s, prefix)
		if rest != s && len(rest) == 6 && isDigits(rest) {
			return rest
		}
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
