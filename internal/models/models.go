package models

import (
	"time"
)

// Config 结构体定义了扫描机器人的所有配置参数
type Config struct {
	DataSource       string   `json:"data_source" yaml:"data_source" default:"file" validate:"oneof=file binance"` // 行情来源: file 或 binance
	DataDir          string   `json:"data_dir" yaml:"data_dir" default:"data"`                                     // CSV K线缓存目录
	DBPath           string   `json:"db_path" yaml:"db_path" default:"data/positions"`                             // 持仓数据库 (BadgerDB) 目录
	ScanDBPath       string   `json:"scan_db_path" yaml:"scan_db_path" default:"data/scan_history.db"`             // 扫描历史 (SQLite) 文件
	StockPool        []string `json:"stock_pool" yaml:"stock_pool" validate:"required,min=1,dive,required"`        // 股票池
	IndexSymbol      string   `json:"index_symbol" yaml:"index_symbol"`                                            // 大盘指数代码，为空则不做大盘过滤
	IndexName        string   `json:"index_name" yaml:"index_name"`                                                // 大盘指数名称
	ExcludedPrefixes []string `json:"excluded_prefixes" yaml:"excluded_prefixes"`                                  // 排除的代码前缀
	Weeks            int      `json:"weeks" yaml:"weeks" default:"150" validate:"gte=30"`                           // 每只股票获取的周线数量
	ScanConcurrency  int      `json:"scan_concurrency" yaml:"scan_concurrency" default:"8" validate:"gt=0"`         // 并发分析数量
	MetricsAddr      string   `json:"metrics_addr" yaml:"metrics_addr"`                                            // Prometheus 监听地址，为空则不启动

	Risk      RiskConfig     `json:"risk" yaml:"risk"`
	Analyzer  AnalyzerConfig `json:"analyzer" yaml:"analyzer"`
	Schedule  ScheduleConfig `json:"schedule" yaml:"schedule"`
	LogConfig LogConfig      `json:"log" yaml:"log"`

	// 仅从环境变量读取
	BinanceAPIKey    string `json:"-" yaml:"-"`
	BinanceSecretKey string `json:"-" yaml:"-"`
}

// RiskConfig 风险参数，启动后只读
type RiskConfig struct {
	TotalCapital             float64 `json:"total_capital" yaml:"total_capital" default:"1000000" validate:"gt=0"`
	MaxLossPercent           float64 `json:"max_loss_percent" yaml:"max_loss_percent" default:"2" validate:"gt=0,lte=100"`                       // 单笔最大亏损占总资金比例
	StopLossPercent          float64 `json:"stop_loss_percent" yaml:"stop_loss_percent" default:"8" validate:"gt=0,lt=100"`                      // 最大止损比例
	MaxPositions             int     `json:"max_positions" yaml:"max_positions" default:"10" validate:"gt=0"`                                    // 最大持仓数量
	SinglePositionMaxPercent float64 `json:"single_position_max_percent" yaml:"single_position_max_percent" default:"20" validate:"gt=0,lte=100"` // 单只股票最大仓位比例
}

// AnalyzerConfig 阶段分析参数
type AnalyzerConfig struct {
	MAPeriod               int     `json:"ma_period" yaml:"ma_period" default:"30" validate:"gt=1"`
	MinObservations        int     `json:"min_observations" yaml:"min_observations" default:"20" validate:"gt=0,ltefield=MAPeriod"`
	SlopeLookback          int     `json:"slope_lookback" yaml:"slope_lookback" default:"5" validate:"gt=1"`
	SlopeThreshold         float64 `json:"slope_threshold" yaml:"slope_threshold" default:"0.02" validate:"gt=0"`
	ConsolidationWindow    int     `json:"consolidation_window" yaml:"consolidation_window" default:"8" validate:"gt=1"`
	ConsolidationThreshold float64 `json:"consolidation_threshold" yaml:"consolidation_threshold" default:"0.15" validate:"gt=0"`
	BreakoutPercent        float64 `json:"breakout_percent" yaml:"breakout_percent" default:"3" validate:"gte=0"`
	VolumeMultiple         float64 `json:"volume_multiple" yaml:"volume_multiple" default:"2" validate:"gt=0"`
	VolumeMAPeriod         int     `json:"volume_ma_period" yaml:"volume_ma_period" default:"10" validate:"gt=0"`
	ExtremeLookback        int     `json:"extreme_lookback" yaml:"extreme_lookback" default:"100" validate:"gt=0"`
	ExtremeBandPercent     float64 `json:"extreme_band_percent" yaml:"extreme_band_percent" default:"20" validate:"gt=0,lt=100"`
}

// ScheduleConfig 定时扫描配置
type ScheduleConfig struct {
	Weekday    int    `json:"weekday" yaml:"weekday" default:"5" validate:"gte=0,lte=6"` // 0=周日 ... 5=周五
	Time       string `json:"time" yaml:"time" default:"15:30"`                          // HH:MM，本地时间
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level" default:"info"`        // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output" default:"console"`   // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file" default:"logs/bot.log"`  // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size" default:"50"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups" default:"10"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age" default:"30"`      // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`                 // 是否压缩旧日志文件
}

// Bar 一根周线K线
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount"`
}

// BarSeries is an ascending, de-duplicated sequence of bars. Callers treat it as immutable.
type BarSeries []Bar

// Closes returns the close prices aligned by index.
func (s BarSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Volumes returns the volumes aligned by index.
func (s BarSeries) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Volume
	}
	return out
}

func (s BarSeries) Highs() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.High
	}
	return out
}

func (s BarSeries) Lows() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Low
	}
	return out
}

// Last returns the most recent bar. It panics on an empty series.
func (s BarSeries) Last() Bar {
	return s[len(s)-1]
}

// Tail returns the last n bars (or the whole series if shorter).
func (s BarSeries) Tail(n int) BarSeries {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// ConsolidationRange 横盘区间
type ConsolidationRange struct {
	StartIndex    int     `json:"start_index"`
	EndIndex      int     `json:"end_index"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	AvgVolume     float64 `json:"avg_volume"`
	DurationWeeks int     `json:"duration_weeks"`
}

// PhaseMetrics 阶段分析指标，每次分析重新生成
type PhaseMetrics struct {
	Slope              float64   `json:"slope"`               // 归一化均线斜率
	Direction          Direction `json:"direction"`           // 均线方向
	PriceToMARatio     float64   `json:"price_to_ma_ratio"`   // 收盘价/均线
	ConsolidationWeeks int       `json:"consolidation_weeks"` // 最近横盘区间周数
	BreakoutConfirmed  bool      `json:"breakout_confirmed"`  // 放量向上突破
	VolumeConfirmation bool      `json:"volume_confirmation"` // 当前成交量放大
}

// TradeSignal 交易信号。StopLoss 与 PositionSize 只由风控模块填写一次。
type TradeSignal struct {
	Symbol       string       `json:"symbol"`
	Name         string       `json:"name,omitempty"`
	Kind         SignalKind   `json:"signal_kind"`
	Phase        Phase        `json:"phase"`
	CurrentPrice float64      `json:"current_price"`
	MAValue      float64      `json:"ma_value"`
	VolumeRatio  float64      `json:"volume_ratio"`
	Reasons      []ReasonCode `json:"reasons"`
	IndexPhase   Phase        `json:"index_phase"` // 生成信号时的大盘阶段，未知为 UNKNOWN
	StopLoss     *float64     `json:"stop_loss,omitempty"`
	PositionSize *int         `json:"position_size,omitempty"`
	Timestamp    time.Time    `json:"timestamp"` // 最新K线时间
}

// HasReason reports whether the signal carries the given reason code.
func (s TradeSignal) HasReason(code ReasonCode) bool {
	for _, r := range s.Reasons {
		if r == code {
			return true
		}
	}
	return false
}

// PositionSizing 仓位计算结果
type PositionSizing struct {
	Shares        int     `json:"shares"`
	PositionValue float64 `json:"position_value"`
	RiskAmount    float64 `json:"risk_amount"`
	RiskPercent   float64 `json:"risk_percent"`
	StopLossPrice float64 `json:"stop_loss_price"`
}

// MarketContext 大盘环境
type MarketContext struct {
	IndexSymbol string  `json:"index_symbol"`
	IndexName   string  `json:"index_name"`
	IndexPhase  Phase   `json:"index_phase"`
	IndexMA     float64 `json:"index_ma"`
}
