package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"weekly-stage-bot/internal/exchange"
)

// 币安单次请求最多1000条
const pageLimit = 1000

type pageFetcher func(ctx context.Context, symbol, interval string, start time.Time) ([]*binance.Kline, error)

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	fetch  pageFetcher
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	return &KlineDownloader{
		fetch: func(ctx context.Context, symbol, interval string, start time.Time) ([]*binance.Kline, error) {
			return client.NewKlinesService().
				Symbol(symbol).
				Interval(interval).
				StartTime(start.UnixMilli()).
				Limit(pageLimit).
				Do(ctx)
		},
		pause:  200 * time.Millisecond, // 避免过于频繁的请求
		logger: logger,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath, interval string, startTime, endTime time.Time) error {
	log := d.logger.Sugar()

	// 检查文件是否已存在（缓存）
	if _, err := os.Stat(filePath); err == nil {
		log.Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	log.Infof("开始下载 %s %s 从 %s 到 %s 的K线数据...", symbol, interval, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "无法创建目录 %s", dir)
	}

	// 先写临时文件，完成后再改名，避免中断留下半个缓存
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "无法创建文件 %s", tmpPath)
	}

	rows, err := d.writeKlines(ctx, file, symbol, interval, startTime, endTime)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "rename %s", tmpPath)
	}

	log.Infof("成功下载 %d 条K线数据到 %s", rows, filePath)
	return nil
}

func (d *KlineDownloader) writeKlines(ctx context.Context, file *os.File, symbol, interval string, startTime, endTime time.Time) (int, error) {
	writer := csv.NewWriter(file)

	// 写入CSV表头
	header := []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}
	if err := writer.Write(header); err != nil {
		return 0, errors.Wrap(err, "写入CSV表头失败")
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.fetch(ctx, symbol, interval, t)
		if err != nil {
			return rows, errors.Wrapf(err, "下载K线数据失败 %s", symbol)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if !time.UnixMilli(k.OpenTime).Before(endTime) {
				break
			}
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				fmt.Sprintf("%d", k.CloseTime),
				k.QuoteAssetVolume,
				fmt.Sprintf("%d", k.TradeNum),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, errors.Wrap(err, "写入CSV记录失败")
			}
			rows++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Sugar().Debugf("已下载 %s 数据至 %s", symbol, t.Format("2006-01-02 15:04:05"))

		select {
		case <-ctx.Done():
			return rows, ctx.Err()
		case <-time.After(d.pause):
		}
	}

	writer.Flush()
	return rows, writer.Error()
}

// DownloadPool 依次下载股票池中每个代码的K线，文件名与 FileExchange 读取的路径一致。
// 单个代码失败只记录日志，返回失败的代码列表。
func (d *KlineDownloader) DownloadPool(ctx context.Context, symbols []string, dir, interval string, startTime, endTime time.Time) []string {
	files := exchange.NewFileExchange(dir)
	var failed []string
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			failed = append(failed, symbol)
			continue
		}
		symbol = exchange.NormalizeSymbol(symbol)
		if err := d.DownloadKlines(ctx, symbol, files.Path(symbol), interval, startTime, endTime); err != nil {
			d.logger.Sugar().Errorf("下载 %s 失败: %v", symbol, err)
			failed = append(failed, symbol)
		}
	}
	return failed
}
