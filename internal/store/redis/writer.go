package redis

import (
	"context"
	"time"
	"unsafe"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute

	// Stream trimming: ~3h of rows at the instrument's timeframe + buffer
	streamWindowSec = 10800
	minStreamMaxLen = 200
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Log      *zap.Logger
}

// Writer publishes overlay rows to Redis.
type Writer struct {
	client *goredis.Client
	log    *zap.Logger
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}

	log = log.With(zap.String("component", "redis"))
	log.Info("connected", zap.String("addr", cfg.Addr))
	return &Writer{client: client, log: log}, nil
}

// streamMaxLen is the approximate cap of an instrument's row stream:
// 3h of bars at its timeframe plus a buffer, never below 200.
func streamMaxLen(tf int) int64 {
	if tf <= 0 {
		return minStreamMaxLen
	}
	n := int64(streamWindowSec/tf) + 100
	if n < minStreamMaxLen {
		n = minStreamMaxLen
	}
	return n
}

// WriteRowBatch writes multiple overlay rows in a single Redis pipeline.
// Closed-bar rows get XADD + SET latest + PUBLISH; rows of a forming bar
// are only published.
func (w *Writer) WriteRowBatch(ctx context.Context, rows []model.OverlayRow) error {
	if len(rows) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for i := range rows {
		row := &rows[i]
		jsonBytes := row.JSON()
		// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
		jsonData := *(*string)(unsafe.Pointer(&jsonBytes))

		if row.Live {
			pipe.Publish(ctx, row.PubSubChannel(), jsonData)
			continue
		}

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: row.StreamKey(),
			MaxLen: streamMaxLen(row.TF),
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Set(ctx, row.LatestKey(), jsonData, defaultLatestTTL)
		pipe.Publish(ctx, row.PubSubChannel(), jsonData)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "row batch pipeline (%d rows)", len(rows))
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
