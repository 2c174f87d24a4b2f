package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for history replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite open reader")
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// ReadBars reads an instrument's bars with ts > afterTS. Results are ordered
// by timestamp ascending for correct replay order.
func (r *Reader) ReadBars(ctx context.Context, symbol string, tf int, afterTS int64) ([]model.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, tf, ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND tf = ? AND ts > ?
		ORDER BY ts ASC
	`, symbol, tf, afterTS)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite query bars")
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			b      model.Bar
			tsUnix int64
			ohlcv  [5]sql.NullFloat64
		)
		if err := rows.Scan(&b.Symbol, &b.TF, &tsUnix, &ohlcv[0], &ohlcv[1], &ohlcv[2], &ohlcv[3], &ohlcv[4]); err != nil {
			return nil, errors.Wrap(err, "sqlite scan bars")
		}
		b.Time = time.Unix(tsUnix, 0).UTC()
		b.Open, b.High, b.Low, b.Close, b.Volume =
			orNaN(ohlcv[0]), orNaN(ohlcv[1]), orNaN(ohlcv[2]), orNaN(ohlcv[3]), orNaN(ohlcv[4])
		bars = append(bars, b)
	}
	return bars, errors.Wrap(rows.Err(), "sqlite iterate bars")
}

// Instruments returns the "symbol:tf" keys that have stored bars.
func (r *Reader) Instruments(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT symbol, tf FROM bars ORDER BY symbol, tf`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite query instruments")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var symbol string
		var tf int
		if err := rows.Scan(&symbol, &tf); err != nil {
			return nil, errors.Wrap(err, "sqlite scan instruments")
		}
		keys = append(keys, model.InstrumentKey(symbol, tf))
	}
	return keys, errors.Wrap(rows.Err(), "sqlite iterate instruments")
}

// ReadPeriods loads archived profile periods for an instrument, oldest first.
func (r *Reader) ReadPeriods(ctx context.Context, symbol string, tf int) ([]indicator.PeriodSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM profile_periods
		WHERE symbol = ? AND tf = ?
		ORDER BY start_ts ASC
	`, symbol, tf)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "sqlite query periods")
	}
	defer rows.Close()

	var out []indicator.PeriodSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "sqlite scan period")
		}
		var s indicator.PeriodSummary
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, errors.Wrap(err, "unmarshal period")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "sqlite iterate periods")
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
