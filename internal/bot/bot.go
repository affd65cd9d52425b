package bot

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"weekly-stage-bot/internal/models"
	"weekly-stage-bot/internal/reporter"
	"weekly-stage-bot/internal/risk"
	"weekly-stage-bot/internal/scanner"
	"weekly-stage-bot/internal/statemanager"
)

// WeeklyBot 按计划每周扫描一次股票池，并打印报告
type WeeklyBot struct {
	config       *models.Config
	scanner      *scanner.Scanner
	positions    *statemanager.StateManager // 可为 nil
	risk         *risk.Engine
	out          io.Writer
	hour, minute int
	isRunning    bool
	lastReport   *scanner.Report
	mutex        sync.RWMutex
	stopChannel  chan struct{}
	wg           sync.WaitGroup
	logger       *zap.Logger
	now          func() time.Time
}

// NewWeeklyBot 创建机器人。Schedule.Time 格式错误时返回错误。
func NewWeeklyBot(config *models.Config, sc *scanner.Scanner, sm *statemanager.StateManager, engine *risk.Engine, out io.Writer, logger *zap.Logger) (*WeeklyBot, error) {
	hour, minute, err := ParseClock(config.Schedule.Time)
	if err != nil {
		return nil, err
	}
	return &WeeklyBot{
		config:    config,
		scanner:   sc,
		positions: sm,
		risk:      engine,
		out:       out,
		hour:      hour,
		minute:    minute,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ParseClock 解析 HH:MM
func ParseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("invalid schedule time %q, want HH:MM", s)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("invalid schedule time %q, want HH:MM", s)
	}
	return hour, minute, nil
}

// NextRun 返回 from 之后 (不含) 第一个 weekday hour:minute，使用 from 的时区
func NextRun(from time.Time, weekday time.Weekday, hour, minute int) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
	days := (int(weekday) - int(from.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, days)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// Start 启动定时扫描
func (b *WeeklyBot) Start(ctx context.Context) error {
	b.mutex.Lock()
	if b.isRunning {
		b.mutex.Unlock()
		return errors.New("机器人已在运行")
	}
	b.isRunning = true
	b.stopChannel = make(chan struct{})
	b.mutex.Unlock()

	if b.config.Schedule.RunOnStart {
		if _, err := b.RunOnce(ctx); err != nil {
			b.logger.Sugar().Errorf("启动时扫描失败: %v", err)
		}
	}

	b.wg.Add(1)
	go b.scheduleLoop(ctx)
	b.logger.Sugar().Infof("周线扫描机器人已启动，下次扫描: %s", b.nextRun().Format("2006-01-02 15:04 Mon"))
	return nil
}

func (b *WeeklyBot) nextRun() time.Time {
	return NextRun(b.now(), time.Weekday(b.config.Schedule.Weekday), b.hour, b.minute)
}

// scheduleLoop 等待到下一个扫描时间
func (b *WeeklyBot) scheduleLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		timer := time.NewTimer(b.nextRun().Sub(b.now()))
		select {
		case <-b.stopChannel:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := b.RunOnce(ctx); err != nil {
				b.logger.Sugar().Errorf("定时扫描失败: %v", err)
			}
		}
	}
}

// RunOnce 执行一次扫描并打印报告
func (b *WeeklyBot) RunOnce(ctx context.Context) (*scanner.Report, error) {
	report, err := b.scanner.Scan(ctx)
	if err != nil {
		return report, errors.Wrap(err, "scan")
	}

	b.mutex.Lock()
	b.lastReport = report
	b.mutex.Unlock()

	reporter.PrintScanReport(b.out, report)
	if b.positions != nil {
		positions := b.positions.Positions()
		if len(positions) > 0 {
			reporter.PrintPositions(b.out, positions, b.risk)
		}
		for _, p := range StopHits(positions) {
			b.logger.Sugar().Warnw("触发止损", "symbol", p.Symbol, "price", p.LastPrice, "stop", p.StopLoss)
			fmt.Fprintf(b.out, "!!! %s 收盘价 %.2f 已跌破止损 %.2f\n", p.Symbol, p.LastPrice, p.StopLoss)
		}
	}
	return report, nil
}

// StopHits 最新价格不高于止损价的持仓
func StopHits(positions []models.Position) []models.Position {
	var out []models.Position
	for _, p := range positions {
		if p.LastPrice > 0 && p.LastPrice <= p.StopLoss {
			out = append(out, p)
		}
	}
	return out
}

// LastReport 最近一次扫描结果，尚未扫描时为 nil
func (b *WeeklyBot) LastReport() *scanner.Report {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.lastReport
}

// Stop 停止机器人，等待正在进行的扫描结束
func (b *WeeklyBot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	close(b.stopChannel)
	b.mutex.Unlock()

	b.wg.Wait()
	b.logger.Sugar().Info("周线扫描机器人已停止。")
}
