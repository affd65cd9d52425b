package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"weekly-stage-bot/internal/bot"
	"weekly-stage-bot/internal/config"
	"weekly-stage-bot/internal/downloader"
	"weekly-stage-bot/internal/exchange"
	"weekly-stage-bot/internal/logger"
	"weekly-stage-bot/internal/metrics"
	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/persistence"
	"weekly-stage-bot/internal/reporter"
	"weekly-stage-bot/internal/risk"
	"weekly-stage-bot/internal/scanner"
	"weekly-stage-bot/internal/statemanager"
	"weekly-stage-bot/internal/storage"
)

const dateLayout = "2006-01-02"

type options struct {
	symbol   string
	price    float64
	shares   int
	stop     float64
	reason   string
	start    string
	end      string
	interval string
	days     int
	min      int
	limit    int
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (yaml or json)")
	mode := flag.String("mode", "scan", "running mode: scan, run, analyze, download, positions, open, add, close, history, appearances, prune")
	var opts options
	flag.StringVar(&opts.symbol, "symbol", "", "stock symbol for analyze/open/add/close/history")
	flag.Float64Var(&opts.price, "price", 0, "price for open/add/close")
	flag.IntVar(&opts.shares, "shares", 0, "shares for open (0 = size by risk)")
	flag.Float64Var(&opts.stop, "stop", 0, "stop loss for open (0 = default)")
	flag.StringVar(&opts.reason, "reason", "manual", "reason recorded on close")
	flag.StringVar(&opts.start, "start", "", "start date (YYYY-MM-DD)")
	flag.StringVar(&opts.end, "end", "", "end date (YYYY-MM-DD)")
	flag.StringVar(&opts.interval, "interval", "1d", "kline interval for download")
	flag.IntVar(&opts.days, "days", 365, "history retention in days for prune")
	flag.IntVar(&opts.min, "min", 2, "minimum appearances")
	flag.IntVar(&opts.limit, "limit", 100, "maximum rows for history")
	flag.Parse()

	// 先用默认配置初始化日志，加载配置时就能输出
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode, opts); err != nil {
		logger.S().Errorf("%s 失败: %v", *mode, err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *models.Config, mode string, opts options) error {
	engine := risk.NewEngine(cfg.Risk)

	switch mode {
	case "scan", "run":
		return runScan(ctx, cfg, engine, mode == "run")
	case "analyze":
		return runAnalyze(ctx, cfg, engine, opts.symbol)
	case "download":
		return runDownload(ctx, cfg, opts)
	case "positions", "open", "add", "close":
		return runPositions(ctx, cfg, engine, mode, opts)
	case "history", "appearances", "prune":
		return runHistory(ctx, cfg, mode, opts)
	default:
		return errors.Errorf("未知的运行模式: %s", mode)
	}
}

func newExchange(cfg *models.Config) exchange.Exchange {
	if cfg.DataSource == "binance" {
		return exchange.NewBinanceExchange(cfg.BinanceAPIKey, cfg.BinanceSecretKey, logger.L())
	}
	return exchange.NewFileExchange(cfg.DataDir)
}

// openPositions 从 BadgerDB 恢复持仓并启动持仓管理器，调用方负责 cleanup
func openPositions(cfg *models.Config, engine *risk.Engine) (*statemanager.StateManager, func(), error) {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open position db")
	}
	state, err := repo.LoadState()
	if err != nil {
		repo.Close()
		return nil, nil, errors.Wrap(err, "load positions")
	}
	if state == nil {
		logger.S().Info("未找到持仓记录，以空仓启动。")
	}
	sm := statemanager.NewStateManager(state, repo, engine, logger.L())
	sm.Start()
	return sm, func() {
		sm.Stop()
		if err := repo.Close(); err != nil {
			logger.S().Warnf("关闭持仓数据库失败: %v", err)
		}
	}, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(nil))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.S().Infof("Prometheus 指标监听 %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.S().Errorf("指标服务退出: %v", err)
		}
	}()
}

func runScan(ctx context.Context, cfg *models.Config, engine *risk.Engine, scheduled bool) error {
	sm, cleanup, err := openPositions(cfg, engine)
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := storage.InitDB(cfg.ScanDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	scanOpts := []scanner.Option{scanner.WithPositions(sm), scanner.WithStore(db)}
	if cfg.MetricsAddr != "" {
		scanOpts = append(scanOpts, scanner.WithMetrics(metrics.New(nil)))
		serveMetrics(cfg.MetricsAddr)
	}
	sc := scanner.New(cfg, newExchange(cfg), engine, logger.L(), scanOpts...)

	b, err := bot.NewWeeklyBot(cfg, sc, sm, engine, os.Stdout, logger.L())
	if err != nil {
		return err
	}
	if !scheduled {
		_, err := b.RunOnce(ctx)
		return err
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.Stop()
	logger.S().Info("机器人已成功停止，持仓已保存。")
	return nil
}

func runAnalyze(ctx context.Context, cfg *models.Config, engine *risk.Engine, symbol string) error {
	if symbol == "" {
		return errors.New("analyze 需要 -symbol")
	}
	sc := scanner.New(cfg, newExchange(cfg), engine, logger.L())
	res := sc.Analyze(ctx, symbol)
	if res.Err != nil {
		return res.Err
	}
	logger.L().Info("analysis",
		zap.String("symbol", res.Symbol),
		zap.Stringer("phase", res.Phase),
		zap.Float64("slope", res.Metrics.Slope),
		zap.Float64("price_to_ma", res.Metrics.PriceToMARatio),
		zap.Int("weeks_above_ma", res.WeeksAboveMA),
		zap.Float64("support", res.Support),
		zap.Float64("atr", res.ATR),
		zap.Float64("rsi", res.RSI),
	)
	reporter.PrintSignals(os.Stdout, res.Signals)
	return nil
}

func runDownload(ctx context.Context, cfg *models.Config, opts options) error {
	end := time.Now()
	start := end.AddDate(-3, 0, 0)
	var err error
	if opts.start != "" {
		if start, err = time.Parse(dateLayout, opts.start); err != nil {
			return errors.Wrap(err, "日期格式错误，请使用 YYYY-MM-DD")
		}
	}
	if opts.end != "" {
		if end, err = time.Parse(dateLayout, opts.end); err != nil {
			return errors.Wrap(err, "日期格式错误，请使用 YYYY-MM-DD")
		}
	}

	symbols := cfg.StockPool
	if opts.symbol != "" {
		symbols = strings.Split(opts.symbol, ",")
	}
	if cfg.IndexSymbol != "" && opts.symbol == "" {
		symbols = append(symbols, cfg.IndexSymbol)
	}

	d := downloader.NewKlineDownloader(logger.L())
	failed := d.DownloadPool(ctx, symbols, cfg.DataDir, opts.interval, start, end)
	if len(failed) > 0 {
		return errors.Errorf("%d 个代码下载失败: %s", len(failed), strings.Join(failed, ","))
	}
	return nil
}

func runPositions(ctx context.Context, cfg *models.Config, engine *risk.Engine, mode string, opts options) error {
	sm, cleanup, err := openPositions(cfg, engine)
	if err != nil {
		return err
	}
	defer cleanup()

	symbol := exchange.NormalizeSymbol(opts.symbol)
	if mode != "positions" && (symbol == "" || opts.price <= 0) {
		return errors.Errorf("%s 需要 -symbol 和 -price", mode)
	}

	switch mode {
	case "open":
		shares := opts.shares
		stopLoss := opts.stop
		if shares <= 0 {
			if stopLoss <= 0 {
				stopLoss = engine.StopLoss(opts.price, 0, 0)
			}
			sizing, err := engine.PositionSize(opts.price, stopLoss, 1)
			if err != nil {
				logger.S().Warnf("止损无效，使用默认止损: %v", err)
			}
			shares, stopLoss = sizing.Shares, sizing.StopLossPrice
		}
		err = sm.Apply(ctx, statemanager.OpenPositionEvent, statemanager.OpenPositionData{
			Symbol: symbol, EntryPrice: opts.price, Shares: shares, StopLoss: stopLoss,
		})
	case "add":
		err = sm.Apply(ctx, statemanager.PyramidAddEvent, statemanager.PyramidAddData{Symbol: symbol, Price: opts.price})
	case "close":
		err = sm.Apply(ctx, statemanager.ClosePositionEvent, statemanager.ClosePositionData{
			Symbol: symbol, Price: opts.price, Reason: opts.reason,
		})
	}
	if err != nil {
		return err
	}

	reporter.PrintPositions(os.Stdout, sm.Positions(), engine)
	return nil
}

func runHistory(ctx context.Context, cfg *models.Config, mode string, opts options) error {
	db, err := storage.InitDB(cfg.ScanDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	switch mode {
	case "history":
		return printHistory(ctx, db, opts)
	case "appearances":
		items, err := storage.GetStockAppearanceCount(ctx, db, opts.start, opts.end, opts.min)
		if err != nil {
			return err
		}
		reporter.PrintAppearances(os.Stdout, items)
	case "prune":
		n, err := storage.DeleteOldRecords(ctx, db, time.Now(), opts.days)
		if err != nil {
			return err
		}
		logger.S().Infof("已删除 %d 条 %d 天前的扫描记录", n, opts.days)
	}
	return nil
}

func printHistory(ctx context.Context, db *sql.DB, opts options) error {
	var (
		records []storage.ScanRecord
		err     error
	)
	if opts.start == "" && opts.end == "" && opts.symbol == "" {
		records, err = storage.GetLatestScanResults(ctx, db, "")
	} else {
		records, err = storage.GetScanHistory(ctx, db, storage.HistoryFilter{
			StartDate: opts.start,
			EndDate:   opts.end,
			Symbol:    exchange.NormalizeSymbol(opts.symbol),
			Limit:     opts.limit,
		})
	}
	if err != nil {
		return err
	}
	reporter.PrintHistory(os.Stdout, records)
	return nil
}
