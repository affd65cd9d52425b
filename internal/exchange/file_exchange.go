package exchange

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"weekly-stage-bot/internal/models"
)

// FileExchange 从本地 CSV 读取K线，文件名为 <dir>/<SYMBOL>.csv。
// 日线数据会自动合成为周线。
type FileExchange struct {
	dir string
}

// NewFileExchange 创建基于目录的数据源
func NewFileExchange(dir string) *FileExchange {
	return &FileExchange{dir: dir}
}

// Path returns the CSV path used for symbol.
func (e *FileExchange) Path(symbol string) string {
	return filepath.Join(e.dir, NormalizeSymbol(symbol)+".csv")
}

// WeeklyBars 实现 Exchange 接口
func (e *FileExchange) WeeklyBars(ctx context.Context, symbol string, weeks int) (models.BarSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := e.Path(symbol)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNoData, "%s: %s not found", symbol, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	series, err := ReadCSV(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if looksDaily(series) {
		series = ResampleWeekly(series)
	}
	if len(series) == 0 {
		return nil, errors.Wrapf(ErrNoData, "%s: empty file", symbol)
	}
	return series.Tail(weeks), nil
}

// 支持的列名，按优先级
var columnAliases = map[string][]string{
	"time":   {"open_time", "date", "timestamp", "time"},
	"open":   {"open"},
	"high":   {"high"},
	"low":    {"low"},
	"close":  {"close"},
	"volume": {"volume"},
	"amount": {"amount", "quote_asset_volume"},
}

// ReadCSV 解析带表头的K线 CSV。时间列可以是毫秒/秒时间戳或日期字符串。
// 结果已经过 Normalize。
func ReadCSV(r io.Reader) (models.BarSeries, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cols := make(map[string]int, len(columnAliases))
	for field, aliases := range columnAliases {
		cols[field] = -1
		for _, a := range aliases {
			if i, ok := index[a]; ok {
				cols[field] = i
				break
			}
		}
		if cols[field] < 0 && field != "amount" {
			return nil, errors.Errorf("missing column %q", field)
		}
	}

	var series models.BarSeries
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		bar, err := parseRecord(record, cols)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		series = append(series, bar)
	}
	return Normalize(series), nil
}

func parseRecord(record []string, cols map[string]int) (models.Bar, error) {
	field := func(name string) string {
		i := cols[name]
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	num := func(name string) (float64, error) {
		v := field(name)
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		return f, errors.Wrapf(err, "column %s", name)
	}

	ts, err := parseTime(field("time"))
	if err != nil {
		return models.Bar{}, err
	}
	bar := models.Bar{Timestamp: ts}
	targets := []struct {
		name string
		dst  *float64
	}{
		{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
		{"close", &bar.Close}, {"volume", &bar.Volume}, {"amount", &bar.Amount},
	}
	for _, t := range targets {
		v, err := num(t.name)
		if err != nil {
			return models.Bar{}, err
		}
		*t.dst = v
	}
	return bar, nil
}

var timeLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339, "2006/01/02", "20060102"}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time")
	}
	// 8 位纯数字按日期处理，其余整数按时间戳
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && len(v) != 8 {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized time %q", v)
}

// WriteCSV 以 ReadCSV 可读的格式写出K线
func WriteCSV(w io.Writer, series models.BarSeries) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"date", "open", "high", "low", "close", "volume", "amount"}); err != nil {
		return err
	}
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	for _, b := range series {
		record := []string{
			b.Timestamp.Format("2006-01-02"),
			format(b.Open), format(b.High), format(b.Low), format(b.Close),
			format(b.Volume), format(b.Amount),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
