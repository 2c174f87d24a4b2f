package redis

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

// BufferedWriter wraps a RowWriter with a circuit breaker. While the breaker
// is open, or a write fails, closed-bar rows are buffered locally and sent
// ahead of the next batch that gets through. Rows of forming bars are
// dropped instead of buffered: a later row supersedes them.
type BufferedWriter struct {
	next model.RowWriter
	cb   *CircuitBreaker
	log  *zap.Logger

	mu     sync.Mutex
	buffer []model.OverlayRow
	maxBuf int // max buffered rows before dropping oldest (default: 10000)

	// Callbacks (optional, for metrics)
	OnBuffer func(count int) // new rows buffered by a failed or rejected batch
	OnFlush  func(count int) // buffered rows delivered
	OnError  func(err error) // a batch failed or was rejected
}

// NewBufferedWriter creates a BufferedWriter in front of next.
func NewBufferedWriter(next model.RowWriter, cb *CircuitBreaker, maxBufferSize int, log *zap.Logger) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BufferedWriter{
		next:   next,
		cb:     cb,
		log:    log.With(zap.String("component", "buffered-writer")),
		buffer: make([]model.OverlayRow, 0, 256),
		maxBuf: maxBufferSize,
	}
}

// WriteRowBatch sends buffered rows followed by rows through the breaker.
// A failed batch is buffered, not lost, and the error is returned.
func (bw *BufferedWriter) WriteRowBatch(ctx context.Context, rows []model.OverlayRow) error {
	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = make([]model.OverlayRow, 0, 256)
	bw.mu.Unlock()

	batch := rows
	if len(pending) > 0 {
		batch = append(pending, rows...)
	}
	if len(batch) == 0 {
		return nil
	}

	err := bw.cb.Execute(func() error {
		return bw.next.WriteRowBatch(ctx, batch)
	})
	if err != nil {
		bw.bufferRows(batch)
		if n := countClosed(rows); n > 0 && bw.OnBuffer != nil {
			bw.OnBuffer(n)
		}
		if bw.OnError != nil {
			bw.OnError(err)
		}
		if err != ErrCircuitOpen {
			bw.log.Warn("row batch failed, buffered", zap.Int("rows", len(batch)), zap.Error(err))
		}
		return err
	}

	if len(pending) > 0 {
		bw.log.Info("flushed buffered rows", zap.Int("rows", len(pending)))
		if bw.OnFlush != nil {
			bw.OnFlush(len(pending))
		}
	}
	return nil
}

func (bw *BufferedWriter) bufferRows(rows []model.OverlayRow) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	for _, r := range rows {
		if r.Live {
			continue
		}
		if len(bw.buffer) >= bw.maxBuf {
			// full: drop oldest
			bw.buffer = bw.buffer[1:]
		}
		bw.buffer = append(bw.buffer, r)
	}
}

func countClosed(rows []model.OverlayRow) int {
	n := 0
	for i := range rows {
		if !rows[i].Live {
			n++
		}
	}
	return n
}

// PendingCount returns the number of buffered rows waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Breaker returns the circuit breaker guarding the underlying writer.
func (bw *BufferedWriter) Breaker() *CircuitBreaker { return bw.cb }

// Close closes the underlying writer.
func (bw *BufferedWriter) Close() error {
	return bw.next.Close()
}
