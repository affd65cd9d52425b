package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
	"github.com/pkg/errors"

	"weekly-stage-bot/internal/models"
)

const dateLayout = "2006-01-02"

// ScanRecord 一只股票在某次扫描中的结果
type ScanRecord struct {
	ID                int64
	ScanDate          string // YYYY-MM-DD
	BatchID           string
	Symbol            string
	Name              string
	Phase             models.Phase
	Signal            models.SignalKind
	CurrentPrice      float64
	MA30              float64
	TrendStrength     float64 // 归一化均线斜率
	VolumeRatio       float64
	WeeksInPhase2     int
	BreakoutConfirmed bool
	Reasons           []models.ReasonCode
	StopLoss          *float64
	PositionSize      *int
	FilterConfig      string // JSON
}

// ScanStatistics 一次扫描的汇总
type ScanStatistics struct {
	ID              int64
	ScanDate        string
	BatchID         string
	TotalStocks     int
	ValidStocks     int
	Phase2Count     int
	SignalCount     int
	IndexPhase      models.Phase
	DurationSeconds float64
	FilterConfig    string
}

// ScanBatch 一次完整扫描，原子写入
type ScanBatch struct {
	Stats   ScanStatistics
	Records []ScanRecord
}

// Appearance 股票在一段时间内出现在扫描结果中的次数
type Appearance struct {
	Symbol          string
	Name            string
	AppearanceCount int
	AvgPrice        float64
	AvgStrength     float64
	LastSeen        string
}

// HistoryFilter 查询条件，零值字段不过滤
type HistoryFilter struct {
	StartDate string
	EndDate   string
	Symbol    string
	Limit     int
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	if dataSourceName != ":memory:" && !strings.HasPrefix(dataSourceName, "file:") {
		if err := os.MkdirAll(filepath.Dir(dataSourceName), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sqlite 只允许一个写入者
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err = createTables(db); err != nil {
		return nil, errors.Wrap(err, "failed to create tables")
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scan_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_date TEXT NOT NULL,
			scan_batch_id TEXT NOT NULL,
			stock_code TEXT NOT NULL,
			stock_name TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			signal TEXT NOT NULL DEFAULT '',
			current_price REAL,
			ma30 REAL,
			trend_strength REAL,
			volume_ratio REAL,
			weeks_in_phase2 INTEGER,
			breakout_confirmed BOOLEAN,
			reasons TEXT,
			stop_loss REAL,
			position_size INTEGER,
			filter_config TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scan_statistics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_date TEXT NOT NULL,
			scan_batch_id TEXT NOT NULL UNIQUE,
			total_stocks INTEGER,
			valid_stocks INTEGER,
			phase2_count INTEGER,
			signal_count INTEGER,
			index_phase TEXT,
			filter_config TEXT,
			duration_seconds REAL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scan_date ON scan_records(scan_date);`,
		`CREATE INDEX IF NOT EXISTS idx_stock_code ON scan_records(stock_code);`,
		`CREATE INDEX IF NOT EXISTS idx_batch_id ON scan_records(scan_batch_id);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveScanResults writes the statistics row and every record of a batch in one transaction.
func SaveScanResults(ctx context.Context, db *sql.DB, batch ScanBatch) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin scan transaction")
	}
	defer tx.Rollback() // Rollback on any error

	s := batch.Stats
	_, err = tx.ExecContext(ctx, `
	INSERT INTO scan_statistics
		(scan_date, scan_batch_id, total_stocks, valid_stocks, phase2_count, signal_count, index_phase, filter_config, duration_seconds)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ScanDate, s.BatchID, s.TotalStocks, s.ValidStocks, s.Phase2Count, s.SignalCount,
		s.IndexPhase.String(), s.FilterConfig, s.DurationSeconds,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert statistics for batch %s", s.BatchID)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO scan_records
		(scan_date, scan_batch_id, stock_code, stock_name, phase, signal, current_price, ma30, trend_strength,
		 volume_ratio, weeks_in_phase2, breakout_confirmed, reasons, stop_loss, position_size, filter_config)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare record insert")
	}
	defer stmt.Close()

	for _, r := range batch.Records {
		var stop sql.NullFloat64
		if r.StopLoss != nil {
			stop = sql.NullFloat64{Float64: *r.StopLoss, Valid: true}
		}
		var size sql.NullInt64
		if r.PositionSize != nil {
			size = sql.NullInt64{Int64: int64(*r.PositionSize), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			s.ScanDate, s.BatchID, r.Symbol, r.Name, r.Phase.String(), r.Signal.String(),
			r.CurrentPrice, r.MA30, r.TrendStrength, r.VolumeRatio, r.WeeksInPhase2, r.BreakoutConfirmed,
			encodeReasons(r.Reasons), stop, size, s.FilterConfig,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert record %s", r.Symbol)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit scan transaction")
}

const recordColumns = `id, scan_date, scan_batch_id, stock_code, stock_name, phase, signal, current_price, ma30,
	trend_strength, volume_ratio, weeks_in_phase2, breakout_confirmed, reasons, stop_loss, position_size, filter_config`

func scanRecords(rows *sql.Rows) ([]ScanRecord, error) {
	defer rows.Close()
	var out []ScanRecord
	for rows.Next() {
		var (
			r             ScanRecord
			phase, signal string
			reasons, cfg  sql.NullString
			stop          sql.NullFloat64
			size          sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID, &r.ScanDate, &r.BatchID, &r.Symbol, &r.Name, &phase, &signal, &r.CurrentPrice, &r.MA30,
			&r.TrendStrength, &r.VolumeRatio, &r.WeeksInPhase2, &r.BreakoutConfirmed, &reasons, &stop, &size, &cfg,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan record row")
		}
		r.Phase, _ = models.ParsePhase(phase)
		if signal != "" {
			_ = r.Signal.UnmarshalText([]byte(signal))
		}
		r.Reasons = decodeReasons(reasons.String)
		if stop.Valid {
			v := stop.Float64
			r.StopLoss = &v
		}
		if size.Valid {
			v := int(size.Int64)
			r.PositionSize = &v
		}
		r.FilterConfig = cfg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetScanHistory returns records newest first.
func GetScanHistory(ctx context.Context, db *sql.DB, f HistoryFilter) ([]ScanRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM scan_records WHERE 1=1`
	var args []interface{}
	if f.StartDate != "" {
		query += ` AND scan_date >= ?`
		args = append(args, f.StartDate)
	}
	if f.EndDate != "" {
		query += ` AND scan_date <= ?`
		args = append(args, f.EndDate)
	}
	if f.Symbol != "" {
		query += ` AND stock_code = ?`
		args = append(args, f.Symbol)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY scan_date DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scan history")
	}
	return scanRecords(rows)
}

// GetScanStatistics returns batch summaries newest first.
func GetScanStatistics(ctx context.Context, db *sql.DB, startDate, endDate string, limit int) ([]ScanStatistics, error) {
	query := `SELECT id, scan_date, scan_batch_id, total_stocks, valid_stocks, phase2_count, signal_count,
		index_phase, filter_config, duration_seconds FROM scan_statistics WHERE 1=1`
	var args []interface{}
	if startDate != "" {
		query += ` AND scan_date >= ?`
		args = append(args, startDate)
	}
	if endDate != "" {
		query += ` AND scan_date <= ?`
		args = append(args, endDate)
	}
	if limit <= 0 {
		limit = 30
	}
	query += ` ORDER BY scan_date DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scan statistics")
	}
	defer rows.Close()

	var out []ScanStatistics
	for rows.Next() {
		var (
			s     ScanStatistics
			phase sql.NullString
			cfg   sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.ScanDate, &s.BatchID, &s.TotalStocks, &s.ValidStocks, &s.Phase2Count,
			&s.SignalCount, &phase, &cfg, &s.DurationSeconds); err != nil {
			return nil, errors.Wrap(err, "failed to scan statistics row")
		}
		s.IndexPhase, _ = models.ParsePhase(phase.String)
		s.FilterConfig = cfg.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStockAppearanceCount 统计一段时间内多次出现在上升阶段的股票，按出现次数降序
func GetStockAppearanceCount(ctx context.Context, db *sql.DB, startDate, endDate string, minAppearances int) ([]Appearance, error) {
	query := `SELECT stock_code, MAX(stock_name), COUNT(DISTINCT scan_date) AS appearance_count,
		AVG(current_price), AVG(trend_strength), MAX(scan_date)
		FROM scan_records WHERE phase = ?`
	args := []interface{}{models.PhaseRising.String()}
	if startDate != "" {
		query += ` AND scan_date >= ?`
		args = append(args, startDate)
	}
	if endDate != "" {
		query += ` AND scan_date <= ?`
		args = append(args, endDate)
	}
	query += ` GROUP BY stock_code HAVING appearance_count >= ? ORDER BY appearance_count DESC, stock_code ASC`
	args = append(args, minAppearances)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query appearance count")
	}
	defer rows.Close()

	var out []Appearance
	for rows.Next() {
		var a Appearance
		if err := rows.Scan(&a.Symbol, &a.Name, &a.AppearanceCount, &a.AvgPrice, &a.AvgStrength, &a.LastSeen); err != nil {
			return nil, errors.Wrap(err, "failed to scan appearance row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetLatestScanResults returns the records of the most recent batch, strongest trend first.
// An empty symbol returns every record of that batch.
func GetLatestScanResults(ctx context.Context, db *sql.DB, symbol string) ([]ScanRecord, error) {
	var batchID string
	err := db.QueryRowContext(ctx, `SELECT scan_batch_id FROM scan_statistics ORDER BY id DESC LIMIT 1`).Scan(&batchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read latest batch id")
	}

	query := `SELECT ` + recordColumns + ` FROM scan_records WHERE scan_batch_id = ?`
	args := []interface{}{batchID}
	if symbol != "" {
		query += ` AND stock_code = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY trend_strength DESC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest scan results")
	}
	return scanRecords(rows)
}

// DeleteOldRecords removes records and statistics dated before now minus keepDays.
func DeleteOldRecords(ctx context.Context, db *sql.DB, now time.Time, keepDays int) (int64, error) {
	cutoff := now.AddDate(0, 0, -keepDays).Format(dateLayout)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin delete transaction")
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"scan_records", "scan_statistics"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE scan_date < ?`, cutoff)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to delete from %s", table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit delete transaction")
	}
	return total, nil
}

// FormatDate 扫描日期的存储格式
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func encodeReasons(codes []models.ReasonCode) string {
	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

func decodeReasons(s string) []models.ReasonCode {
	if s == "" {
		return nil
	}
	var out []models.ReasonCode
	for _, name := range strings.Split(s, ",") {
		var c models.ReasonCode
		if err := c.UnmarshalText([]byte(name)); err == nil {
			out = append(out, c)
		}
	}
	return out
}
