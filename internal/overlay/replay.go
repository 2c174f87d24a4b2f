package overlay

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

// Replayer rebuilds instrument state from stored bar history. Overlay state
// is never persisted: attaching an instrument always replays its full
// history from the first stored bar.
type Replayer struct {
	reader model.BarReader
	log    *zap.Logger
}

// NewReplayer creates a Replayer reading from reader.
func NewReplayer(reader model.BarReader, log *zap.Logger) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{reader: reader, log: log.With(zap.String("component", "replayer"))}
}

// Reattach reads the full history of key and attaches it to engine,
// discarding whatever state engine held for key. Forming bars in the store
// are replayed like closed ones; the latest revision wins. onRow receives
// every replayed row when non-nil.
func (r *Replayer) Reattach(ctx context.Context, engine *Engine, key string, onRow func(model.OverlayRow)) (int, error) {
	symbol, tf, err := model.ParseInstrumentKey(key)
	if err != nil {
		return 0, err
	}
	var bars []model.Bar
	if r.reader != nil {
		bars, err = r.reader.ReadBars(ctx, symbol, tf, 0)
		if err != nil {
			return 0, errors.Wrapf(err, "read history for %s", key)
		}
	}
	n, err := engine.Attach(key, bars, onRow)
	if err != nil {
		return 0, err
	}
	r.log.Info("instrument attached",
		zap.String("key", key),
		zap.Int("bars_replayed", n),
	)
	return n, nil
}

// ReattachAll reattaches every key. A key that fails is logged and skipped;
// the first error is returned after all keys have been tried.
func (r *Replayer) ReattachAll(ctx context.Context, engine *Engine, keys []string, onRow func(model.OverlayRow)) (int, error) {
	var (
		total    int
		firstErr error
	)
	for _, key := range keys {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := r.Reattach(ctx, engine, key, onRow)
		if err != nil {
			r.log.Warn("attach failed", zap.String("key", key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	if total > 0 {
		r.log.Info("replay complete", zap.Int("instruments", len(keys)), zap.Int("bars", total))
	}
	return total, firstErr
}
