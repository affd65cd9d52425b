package reporter

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/risk"
	"weekly-stage-bot/internal/scanner"
	"weekly-stage-bot/internal/storage"
)

var reasonTexts = map[models.ReasonCode]string{
	models.ReasonMAFlat:             "均线走平",
	models.ReasonAwaitBreakout:      "等待放量突破",
	models.ReasonBreakoutConfirmed:  "放量突破横盘区间",
	models.ReasonMARising:           "30周均线上升",
	models.ReasonVolumeSurge:        "成交量放大",
	models.ReasonAboveMA:            "价格站上均线",
	models.ReasonStage2Setup:        "第二阶段初期",
	models.ReasonTrendIntact:        "趋势完好",
	models.ReasonPullbackToMA:       "回踩均线企稳",
	models.ReasonMAFalling:          "30周均线下降",
	models.ReasonBelowMA:            "价格跌破均线",
	models.ReasonDistributionVolume: "放量派发",
	models.ReasonTrendWeakening:     "趋势转弱",
	models.ReasonWatchForSell:       "关注卖出时机",
	models.ReasonIndexBottomCaution: "大盘处于底部阶段，谨慎",
}

var phaseTexts = map[models.Phase]string{
	models.PhaseUnknown: "未知",
	models.PhaseBottom:  "第一阶段(底部)",
	models.PhaseRising:  "第二阶段(上升)",
	models.PhaseTop:     "第三阶段(顶部)",
	models.PhaseFalling: "第四阶段(下降)",
}

var signalColors = map[models.SignalKind]text.Colors{
	models.SignalBuy:         {text.FgHiGreen, text.Bold},
	models.SignalAddPosition: {text.FgGreen},
	models.SignalSell:        {text.FgHiRed, text.Bold},
	models.SignalWatch:       {text.FgYellow},
	models.SignalHold:        {text.FgWhite},
}

// ReasonText 理由代码的中文说明
func ReasonText(code models.ReasonCode) string {
	if s, ok := reasonTexts[code]; ok {
		return s
	}
	return code.String()
}

// ReasonsText joins the texts of all codes.
func ReasonsText(codes []models.ReasonCode) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = ReasonText(c)
	}
	return strings.Join(parts, "; ")
}

// PhaseText 阶段的中文说明
func PhaseText(p models.Phase) string {
	if s, ok := phaseTexts[p]; ok {
		return s
	}
	return p.String()
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func displayName(symbol, name string) string {
	if name == "" {
		return symbol
	}
	return symbol + " " + name
}

// PrintSignals 打印信号表
func PrintSignals(w io.Writer, signals []models.TradeSignal) {
	t := newTable(w, "交易信号")
	t.AppendHeader(table.Row{"代码", "信号", "阶段", "现价", "30周均线", "量比", "止损", "建议股数", "理由"})
	for _, s := range signals {
		kind := s.Kind.String()
		if colors, ok := signalColors[s.Kind]; ok {
			kind = colors.Sprint(kind)
		}
		t.AppendRow(table.Row{
			displayName(s.Symbol, s.Name),
			kind,
			PhaseText(s.Phase),
			fmt.Sprintf("%.2f", s.CurrentPrice),
			fmt.Sprintf("%.2f", s.MAValue),
			fmt.Sprintf("%.2f", s.VolumeRatio),
			optFloat(s.StopLoss),
			optInt(s.PositionSize),
			ReasonsText(s.Reasons),
		})
	}
	t.Render()
}

// PrintScanReport 打印一次扫描的完整报告
func PrintScanReport(w io.Writer, report *scanner.Report) {
	fmt.Fprintf(w, "========== 周线扫描报告 %s ==========\n", report.ScanDate.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "批次:     %s\n", report.BatchID)
	if m := report.Market; m != nil {
		fmt.Fprintf(w, "大盘:     %s %s  %s  均线 %.2f\n", m.IndexSymbol, m.IndexName, PhaseText(m.IndexPhase), m.IndexMA)
	} else {
		fmt.Fprintln(w, "大盘:     未配置或获取失败，不做大盘过滤")
	}
	fmt.Fprintf(w, "有效/失败: %d/%d  用时 %s\n", len(report.Results), len(report.Failed), report.Duration.Round(time.Millisecond))

	summary := newTable(w, "阶段分布")
	summary.AppendHeader(table.Row{"阶段", "数量"})
	for _, p := range []models.Phase{models.PhaseBottom, models.PhaseRising, models.PhaseTop, models.PhaseFalling} {
		summary.AppendRow(table.Row{PhaseText(p), report.PhaseCounts[p]})
	}
	summary.Render()

	results := newTable(w, "分析结果")
	results.AppendHeader(table.Row{"代码", "阶段", "现价", "均线", "斜率", "方向", "量比", "站上均线周数", "横盘周数", "持仓"})
	for _, r := range report.Results {
		held := ""
		if r.Held {
			held = "是"
			if r.TakeProfit {
				held = text.FgHiYellow.Sprint("止盈")
			}
		}
		results.AppendRow(table.Row{
			displayName(r.Symbol, r.Name),
			PhaseText(r.Phase),
			fmt.Sprintf("%.2f", r.CurrentPrice),
			fmt.Sprintf("%.2f", r.MA),
			fmt.Sprintf("%.4f", r.Metrics.Slope),
			r.Metrics.Direction.String(),
			fmt.Sprintf("%.2f", r.VolumeRatio),
			r.WeeksAboveMA,
			r.Metrics.ConsolidationWeeks,
			held,
		})
	}
	results.Render()

	actionable := make([]models.TradeSignal, 0, len(report.Signals))
	for _, s := range report.Signals {
		if s.Kind != models.SignalHold {
			actionable = append(actionable, s)
		}
	}
	PrintSignals(w, actionable)

	if len(report.Failed) > 0 {
		failed := newTable(w, "失败")
		failed.AppendHeader(table.Row{"代码", "错误"})
		for symbol, err := range report.Failed {
			failed.AppendRow(table.Row{symbol, err.Error()})
		}
		failed.SortBy([]table.SortBy{{Name: "代码", Mode: table.Asc}})
		failed.Render()
	}
}

// PrintPositions 打印持仓和组合风险
func PrintPositions(w io.Writer, positions []models.Position, engine *risk.Engine) {
	t := newTable(w, "当前持仓")
	t.AppendHeader(table.Row{"代码", "入场价", "现价", "股数", "止损", "加仓次数", "市值", "盈亏", "盈亏%"})
	for _, p := range positions {
		price := p.LastPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		pnl := fmt.Sprintf("%.2f", p.ProfitLoss(price))
		if p.ProfitLoss(price) < 0 {
			pnl = text.FgRed.Sprint(pnl)
		}
		t.AppendRow(table.Row{
			displayName(p.Symbol, p.Name),
			fmt.Sprintf("%.2f", p.EntryPrice),
			fmt.Sprintf("%.2f", price),
			p.Shares,
			fmt.Sprintf("%.2f", p.StopLoss),
			p.AddOnCount,
			fmt.Sprintf("%.2f", p.MarketValue(price)),
			pnl,
			fmt.Sprintf("%.2f%%", p.ProfitLossPercent(price)),
		})
	}
	t.Render()

	r := engine.CheckRiskLimits(positions)
	fmt.Fprintf(w, "持仓数量:   %d/%d %s\n", r.TotalPositions, r.MaxPositionsAllowed, okText(r.PositionsOK))
	fmt.Fprintf(w, "最大集中度: %.2f%% (上限 %.2f%%) %s\n", r.MaxConcentration, r.ConcentrationLimit, okText(r.ConcentrationOK))
	fmt.Fprintf(w, "总市值:     %.2f  仓位 %.2f%%\n", r.TotalMarketValue, r.TotalExposure)
	fmt.Fprintf(w, "浮动盈亏:   %.2f (%.2f%%)\n", r.TotalPnL, r.TotalPnLPercent)
}

func okText(ok bool) string {
	if ok {
		return text.FgGreen.Sprint("OK")
	}
	return text.FgRed.Sprint("超限")
}

// PrintHistory 打印扫描历史
func PrintHistory(w io.Writer, records []storage.ScanRecord) {
	t := newTable(w, "扫描历史")
	t.AppendHeader(table.Row{"日期", "代码", "阶段", "信号", "现价", "均线", "趋势强度", "量比", "突破"})
	for _, r := range records {
		breakout := ""
		if r.BreakoutConfirmed {
			breakout = "是"
		}
		t.AppendRow(table.Row{
			r.ScanDate,
			displayName(r.Symbol, r.Name),
			PhaseText(r.Phase),
			r.Signal.String(),
			fmt.Sprintf("%.2f", r.CurrentPrice),
			fmt.Sprintf("%.2f", r.MA30),
			fmt.Sprintf("%.4f", r.TrendStrength),
			fmt.Sprintf("%.2f", r.VolumeRatio),
			breakout,
		})
	}
	t.Render()
}

// PrintAppearances 打印多次出现在第二阶段的股票
func PrintAppearances(w io.Writer, items []storage.Appearance) {
	t := newTable(w, "第二阶段出现次数")
	t.AppendHeader(table.Row{"代码", "次数", "平均价格", "平均趋势强度", "最近出现"})
	for _, a := range items {
		t.AppendRow(table.Row{
			displayName(a.Symbol, a.Name),
			a.AppearanceCount,
			fmt.Sprintf("%.2f", a.AvgPrice),
			fmt.Sprintf("%.4f", a.AvgStrength),
			a.LastSeen,
		})
	}
	t.Render()
}
