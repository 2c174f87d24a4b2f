package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond

	dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"
	Log    *zap.Logger
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db  *sql.DB
	log *zap.Logger

	flushReq chan chan error
	stopped  chan struct{} // closed when Run returns
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "sqlite"))

	db, err := sql.Open("sqlite3", cfg.DBPath+dsnOptions)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite open")
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite schema")
	}

	log.Info("opened database", zap.String("path", cfg.DBPath))
	return &Writer{db: db, log: log, flushReq: make(chan chan error), stopped: make(chan struct{})}, nil
}

// Price and volume columns are nullable: SQLite stores NaN as NULL, and
// ReadBars maps NULL back to NaN so invalid bars replay exactly as they were
// processed live.
func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT    NOT NULL,
			tf     INTEGER NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL,
			high   REAL,
			low    REAL,
			close  REAL,
			volume REAL,
			PRIMARY KEY (symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS profile_periods (
			symbol     TEXT    NOT NULL,
			tf         INTEGER NOT NULL,
			period_id  TEXT    NOT NULL,
			start_ts   INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (symbol, tf, period_id)
		);
	`)
	return err
}

// Run reads bars from barCh and inserts the closed ones in batched
// transactions. Flushes every batchSize bars OR every flushDelay, whichever
// first. Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	defer close(w.stopped)

	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		start := time.Now()
		// ctx may already be cancelled on the final flush
		err := w.InsertBars(context.Background(), batch)
		if err != nil {
			w.log.Error("batch insert failed", zap.Int("bars", len(batch)), zap.Error(err))
		} else {
			w.log.Debug("committed bars", zap.Int("bars", len(batch)), zap.Duration("took", time.Since(start)))
		}
		batch = batch[:0]
		return err
	}
	add := func(bar model.Bar) {
		if !bar.Forming {
			batch = append(batch, bar)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case bar, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			add(bar)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case reply := <-w.flushReq:
			// everything queued before the request is committed before replying
		drain:
			for {
				select {
				case bar, ok := <-barCh:
					if !ok {
						break drain
					}
					add(bar)
				default:
					break drain
				}
			}
			reply <- flush()

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Flush commits every bar queued on Run's channel so far and returns once
// they are readable. It returns nil without waiting once Run has exited.
func (w *Writer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushReq <- reply:
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InsertBars upserts bars in a single transaction. A bar replaces any stored
// bar of the same instrument and timestamp.
func (w *Writer) InsertBars(ctx context.Context, bars []model.Bar) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare insert bars")
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, b.Symbol, b.TF, b.Time.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert bar %s@%d", b.Key(), b.Time.Unix())
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

// LastTimestamp returns the last stored bar time (unix seconds) for an
// instrument, or 0 when none is stored.
func (w *Writer) LastTimestamp(ctx context.Context, symbol string, tf int) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND tf = ?`,
		symbol, tf,
	).Scan(&ts)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite last timestamp")
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// SavePeriod archives a frozen volume-profile period. Saving the same
// period again replaces it.
func (w *Writer) SavePeriod(ctx context.Context, symbol string, tf int, s indicator.PeriodSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal period")
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO profile_periods (symbol, tf, period_id, start_ts, data)
		VALUES (?, ?, ?, ?, ?)
	`, symbol, tf, s.ID, s.Start.Unix(), string(data))
	return errors.Wrap(err, "sqlite insert period")
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
