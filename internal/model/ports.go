package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the overlay service from concrete storage
// (Redis, SQLite). Tests substitute in-memory fakes.

// BarReader reads stored bar history for deterministic replay.
type BarReader interface {
	// ReadBars returns bars for one instrument with Time > afterTS (unix
	// seconds), ordered by time ascending.
	ReadBars(ctx context.Context, symbol string, tf int, afterTS int64) ([]Bar, error)

	// Close releases underlying resources.
	Close() error
}

// BarWriter persists closed bars.
type BarWriter interface {
	// InsertBars upserts bars in a single transaction.
	InsertBars(ctx context.Context, bars []Bar) error

	// Close releases underlying resources.
	Close() error
}

// BarConsumer consumes live bars from a stream (e.g. Redis Streams).
type BarConsumer interface {
	// ConsumeBars blocks, sending parsed bars to out until ctx is cancelled.
	ConsumeBars(ctx context.Context, streams []string, out chan<- Bar) error

	// Close releases underlying resources.
	Close() error
}

// RowWriter publishes overlay rows.
type RowWriter interface {
	// WriteRowBatch writes multiple rows in a single round trip.
	WriteRowBatch(ctx context.Context, rows []OverlayRow) error

	// Close releases underlying resources.
	Close() error
}

// RowBroadcaster pushes rows to connected chart clients.
type RowBroadcaster interface {
	BroadcastRow(row OverlayRow)
}
