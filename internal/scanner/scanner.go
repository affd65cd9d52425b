// Package scanner 对股票池做一次完整的周线扫描：获取行情、判定阶段、生成信号并计算风控。
package scanner

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weekly-stage-bot/internal/exchange"
	"weekly-stage-bot/internal/indicator"
	"weekly-stage-bot/internal/metrics"
	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/risk"
	"weekly-stage-bot/internal/signal"
	"weekly-stage-bot/internal/statemanager"
	"weekly-stage-bot/internal/storage"
	"weekly-stage-bot/internal/trend"
)

const (
	supportLookback = 20
	atrPeriod       = 14
	rsiPeriod       = 14
)

// Result 单只股票的分析结果。Err 不为空时其余字段无意义。
type Result struct {
	Symbol        string
	Name          string
	Phase         models.Phase
	Metrics       models.PhaseMetrics
	CurrentPrice  float64
	MA            float64
	VolumeRatio   float64
	WeeksAboveMA  int
	Support       float64
	ATR           float64
	RSI           float64
	Consolidation *models.ConsolidationRange
	Signals       []models.TradeSignal
	Held          bool
	TakeProfit    bool // 持仓满足止盈条件
	Timestamp     time.Time
	Err           error
}

// Report 一次扫描的汇总
type Report struct {
	BatchID     string
	ScanDate    time.Time
	Market      *models.MarketContext
	Results     []Result // 分析成功的股票，按趋势强度降序
	Failed      map[string]error
	Signals     []models.TradeSignal
	PhaseCounts map[models.Phase]int
	Duration    time.Duration
}

// SignalsOf returns the signals of the given kind.
func (r *Report) SignalsOf(kind models.SignalKind) []models.TradeSignal {
	var out []models.TradeSignal
	for _, s := range r.Signals {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Option 可选依赖
type Option func(*Scanner)

// WithPositions 扫描时读取持仓，并把最新价格同步给持仓管理器
func WithPositions(sm *statemanager.StateManager) Option {
	return func(s *Scanner) { s.positions = sm }
}

// WithStore 保存扫描历史
func WithStore(db *sql.DB) Option {
	return func(s *Scanner) { s.db = db }
}

// WithMetrics 记录 Prometheus 指标
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Scanner) { s.metrics = rec }
}

// WithNames 股票代码到名称的映射，仅用于展示和存储
func WithNames(names map[string]string) Option {
	return func(s *Scanner) { s.names = names }
}

// Scanner 可被多次调用，同一时间只允许一次扫描
type Scanner struct {
	cfg        *models.Config
	exchange   exchange.Exchange
	classifier *trend.Classifier
	rules      *signal.Rules
	risk       *risk.Engine
	positions  *statemanager.StateManager
	db         *sql.DB
	metrics    *metrics.Recorder
	names      map[string]string
	logger     *zap.Logger
	now        func() time.Time
	mu         sync.Mutex
}

// New creates a scanner over cfg.StockPool.
func New(cfg *models.Config, ex exchange.Exchange, engine *risk.Engine, logger *zap.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		cfg:        cfg,
		exchange:   ex,
		classifier: trend.NewClassifier(cfg.Analyzer),
		rules:      signal.NewRules(cfg.Analyzer, engine),
		risk:       engine,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan 扫描整个股票池。单只股票失败只记录在 Report.Failed 中；
// 只有 ctx 取消或保存历史失败时返回错误。
func (s *Scanner) Scan(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	log := s.logger.Sugar()

	report := &Report{
		BatchID:     newBatchID(start),
		ScanDate:    start,
		Failed:      make(map[string]error),
		PhaseCounts: make(map[models.Phase]int),
	}
	report.Market = s.MarketContext(ctx)

	symbols := s.Universe()
	log.Infof("开始扫描 %d 只股票, 批次 %s", len(symbols), report.BatchID)

	results := make([]Result, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ScanConcurrency)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.analyze(gctx, symbol, report.Market)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "scan aborted")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "scan aborted")
	}

	for _, r := range results {
		if r.Err != nil {
			report.Failed[r.Symbol] = r.Err
			s.recordError("analyze")
			log.Warnf("分析 %s 失败: %v", r.Symbol, r.Err)
			continue
		}
		report.Results = append(report.Results, r)
		report.PhaseCounts[r.Phase]++
		report.Signals = append(report.Signals, r.Signals...)
	}
	sort.SliceStable(report.Results, func(i, j int) bool {
		return report.Results[i].Metrics.Slope > report.Results[j].Metrics.Slope
	})

	s.syncPositions(ctx, report.Results)

	report.Duration = s.now().Sub(start)
	if err := s.save(ctx, report, len(symbols)); err != nil {
		return report, err
	}
	s.record(report)

	log.Infof("扫描完成: 有效 %d/%d, 信号 %d, 用时 %s",
		len(report.Results), len(symbols), len(report.Signals), report.Duration.Round(time.Millisecond))
	return report, nil
}

// Universe 规范化股票池代码，去重并去掉排除前缀
func (s *Scanner) Universe() []string {
	seen := make(map[string]bool, len(s.cfg.StockPool))
	var out []string
	for _, raw := range s.cfg.StockPool {
		symbol := exchange.NormalizeSymbol(raw)
		if symbol == "" || seen[symbol] || s.excluded(symbol) {
			continue
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	return out
}

func (s *Scanner) excluded(symbol string) bool {
	for _, prefix := range s.cfg.ExcludedPrefixes {
		if prefix != "" && strings.HasPrefix(symbol, strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

// MarketContext 判定大盘阶段。未配置指数或获取失败时返回 nil，此时不做大盘过滤。
func (s *Scanner) MarketContext(ctx context.Context) *models.MarketContext {
	if s.cfg.IndexSymbol == "" {
		return nil
	}
	series, err := s.exchange.WeeklyBars(ctx, s.cfg.IndexSymbol, s.cfg.Weeks)
	if err != nil {
		s.logger.Sugar().Warnf("获取大盘指数 %s 失败, 跳过大盘过滤: %v", s.cfg.IndexSymbol, err)
		s.recordError("index")
		return nil
	}
	a, err := s.classifier.Analyze(series)
	if err != nil {
		s.logger.Sugar().Warnf("大盘指数 %s 分析失败, 跳过大盘过滤: %v", s.cfg.IndexSymbol, err)
		s.recordError("index")
		return nil
	}
	return &models.MarketContext{
		IndexSymbol: exchange.NormalizeSymbol(s.cfg.IndexSymbol),
		IndexName:   s.cfg.IndexName,
		IndexPhase:  a.Phase,
		IndexMA:     indicator.Last(a.MA),
	}
}

// Analyze 分析单只股票，不同步持仓也不保存历史
func (s *Scanner) Analyze(ctx context.Context, symbol string) Result {
	return s.analyze(ctx, exchange.NormalizeSymbol(symbol), s.MarketContext(ctx))
}

func (s *Scanner) analyze(ctx context.Context, symbol string, market *models.MarketContext) Result {
	res := Result{Symbol: symbol, Name: s.names[symbol]}

	series, err := s.exchange.WeeklyBars(ctx, symbol, s.cfg.Weeks)
	if err != nil {
		res.Err = errors.Wrap(err, "fetch")
		return res
	}
	a, err := s.classifier.Analyze(series)
	if err != nil {
		res.Err = err
		return res
	}

	last := series.Last()
	res.Phase = a.Phase
	res.Metrics = a.Metrics
	res.CurrentPrice = last.Close
	res.MA = indicator.Last(a.MA)
	res.VolumeRatio = a.VolumeRatio
	res.WeeksAboveMA = trend.WeeksAboveMA(series, a.MA)
	res.Consolidation = a.Consolidation
	res.Timestamp = last.Timestamp
	res.Support = risk.SupportLevel(series, supportLookback)
	if atr, ok := indicator.ATR(series.Highs(), series.Lows(), series.Closes(), atrPeriod); ok {
		res.ATR = atr
	}
	if rsi, ok := indicator.RSI(series.Closes(), rsiPeriod); ok {
		res.RSI = rsi
	}

	var pos *models.Position
	if s.positions != nil {
		if p, ok := s.positions.Position(symbol); ok {
			pos = &p
			res.Held = true
			res.TakeProfit = s.risk.ShouldTakeProfit(p, last.Close, a.Phase, res.RSI)
		}
	}

	signals := s.rules.Decide(symbol, a.Phase, a.Metrics, series)
	signals = signal.FilterByMarket(signals, market)
	for i := range signals {
		signals[i].Name = res.Name
		signals[i] = s.risk.ApplyRisk(signals[i], res.Support, res.ATR, pos)
	}
	res.Signals = signals
	return res
}

// syncPositions 把最新收盘价和支撑位推给持仓管理器，止损只会上移
func (s *Scanner) syncPositions(ctx context.Context, results []Result) {
	if s.positions == nil {
		return
	}
	for _, r := range results {
		if !r.Held {
			continue
		}
		err := s.positions.Apply(ctx, statemanager.PriceUpdateEvent, statemanager.PriceUpdateData{
			Symbol:  r.Symbol,
			Price:   r.CurrentPrice,
			Support: r.Support,
		})
		if err != nil {
			s.logger.Sugar().Warnf("更新持仓 %s 失败: %v", r.Symbol, err)
			s.recordError("position")
		}
	}
}

func (s *Scanner) save(ctx context.Context, report *Report, total int) error {
	if s.db == nil {
		return nil
	}
	filter, _ := json.Marshal(s.cfg.Analyzer)
	stats := storage.ScanStatistics{
		ScanDate:        storage.FormatDate(report.ScanDate),
		BatchID:         report.BatchID,
		TotalStocks:     total,
		ValidStocks:     len(report.Results),
		Phase2Count:     report.PhaseCounts[models.PhaseRising],
		SignalCount:     len(report.Signals),
		DurationSeconds: report.Duration.Seconds(),
		FilterConfig:    string(filter),
	}
	if report.Market != nil {
		stats.IndexPhase = report.Market.IndexPhase
	}

	records := make([]storage.ScanRecord, 0, len(report.Results))
	for _, r := range report.Results {
		rec := storage.ScanRecord{
			Symbol:            r.Symbol,
			Name:              r.Name,
			Phase:             r.Phase,
			CurrentPrice:      r.CurrentPrice,
			MA30:              r.MA,
			TrendStrength:     r.Metrics.Slope,
			VolumeRatio:       r.VolumeRatio,
			WeeksInPhase2:     r.WeeksAboveMA,
			BreakoutConfirmed: r.Metrics.BreakoutConfirmed,
		}
		// 每只股票最多一个信号
		if len(r.Signals) > 0 {
			sig := r.Signals[0]
			rec.Signal = sig.Kind
			rec.Reasons = sig.Reasons
			rec.StopLoss = sig.StopLoss
			rec.PositionSize = sig.PositionSize
		}
		records = append(records, rec)
	}

	if err := storage.SaveScanResults(ctx, s.db, storage.ScanBatch{Stats: stats, Records: records}); err != nil {
		s.recordError("storage")
		return errors.Wrap(err, "save scan history")
	}
	return nil
}

func (s *Scanner) record(report *Report) {
	if s.metrics == nil {
		return
	}
	counts := make(map[string]int, len(report.PhaseCounts))
	for phase, n := range report.PhaseCounts {
		counts[phase.String()] = n
	}
	s.metrics.RecordScan(report.Duration.Seconds(), counts)
	for _, sig := range report.Signals {
		s.metrics.RecordSignal(sig.Kind.String())
	}
	if report.Market != nil {
		s.metrics.RecordIndexPhase(report.Market.IndexPhase.String())
	}
	if s.positions != nil {
		positions := s.positions.Positions()
		s.metrics.RecordPortfolio(len(positions), s.risk.CheckRiskLimits(positions).TotalExposure)
	}
}

func (s *Scanner) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordError(kind)
	}
}

// newBatchID 日期前缀 + 随机后缀，例如 20240105-3hKx9Qz1
func newBatchID(t time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// 随机源不可用时退化为纳秒时间戳
		ns := t.UnixNano()
		for i := range buf {
			buf[i] = byte(ns >> (8 * i))
		}
	}
	return t.Format("20060102") + "-" + base62.EncodeToString(buf)
}
