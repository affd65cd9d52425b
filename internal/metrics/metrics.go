package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 扫描与持仓的 Prometheus 指标
type Recorder struct {
	scansTotal     prometheus.Counter
	phaseStocks    *prometheus.GaugeVec
	signalsTotal   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	openPositions  prometheus.Gauge
	totalExposure  prometheus.Gauge
	lastIndexPhase *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		scansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stagebot_scans_total",
			Help: "Total number of completed scans",
		}),
		phaseStocks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stagebot_phase_stocks",
				Help: "Number of stocks per phase in the latest scan",
			},
			[]string{"phase"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagebot_signals_total",
				Help: "Total number of trade signals generated",
			},
			[]string{"kind"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagebot_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagebot_scan_duration_seconds",
			Help:    "Duration of a full scan in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagebot_open_positions",
			Help: "Number of open positions",
		}),
		totalExposure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagebot_total_exposure_percent",
			Help: "Market value of open positions as percent of capital",
		}),
		lastIndexPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stagebot_index_phase",
				Help: "1 for the phase of the market index in the latest scan",
			},
			[]string{"phase"},
		),
	}
}

// RecordScan records a finished scan and its per-phase counts.
func (r *Recorder) RecordScan(seconds float64, phaseCounts map[string]int) {
	r.scansTotal.Inc()
	r.scanDuration.Observe(seconds)
	r.phaseStocks.Reset()
	for phase, n := range phaseCounts {
		r.phaseStocks.WithLabelValues(phase).Set(float64(n))
	}
}

// RecordSignal records one generated signal.
func (r *Recorder) RecordSignal(kind string) {
	r.signalsTotal.WithLabelValues(kind).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordIndexPhase 只保留最新的大盘阶段
func (r *Recorder) RecordIndexPhase(phase string) {
	r.lastIndexPhase.Reset()
	r.lastIndexPhase.WithLabelValues(phase).Set(1)
}

// RecordPortfolio records position count and exposure.
func (r *Recorder) RecordPortfolio(positions int, exposurePercent float64) {
	r.openPositions.Set(float64(positions))
	r.totalExposure.Set(exposurePercent)
}

// Handler exposes the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
