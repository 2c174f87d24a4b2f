package indengine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/logger"
	"overlay-systemv1/internal/metrics"
	"overlay-systemv1/internal/model"
	"overlay-systemv1/internal/overlay"
)

// replayBatchSize bounds the row batches published while replaying history.
const replayBatchSize = 500

// PeriodStore archives finalized volume-profile periods.
type PeriodStore interface {
	SavePeriod(ctx context.Context, symbol string, tf int, s indicator.PeriodSummary) error
}

// BarFlusher commits closed bars already handed to the bar sink so that a
// following history read includes them.
type BarFlusher interface {
	Flush(ctx context.Context) error
}

// ErrStopped is returned by Do once the processing loop has exited.
var ErrStopped = errors.New("processor stopped")

// Processor owns the overlay engine. All engine access happens on the
// goroutine running Run; other goroutines reach it through Do.
type Processor struct {
	engine   *overlay.Engine
	replayer *overlay.Replayer
	rows     model.RowWriter
	hub      model.RowBroadcaster
	periods  PeriodStore
	barSink  chan<- model.Bar // closed bars for the history store; may be nil
	flusher  BarFlusher
	prom     *metrics.Metrics
	health   *metrics.HealthStatus
	log      *zap.Logger

	// start time of the newest period already archived, per instrument
	archived map[string]time.Time

	requests chan func(ctx context.Context)
	done     chan struct{}
}

// ProcessorDeps are the collaborators of a Processor. Every field except
// Engine may be nil.
type ProcessorDeps struct {
	Engine  *overlay.Engine
	History model.BarReader
	Rows    model.RowWriter
	Hub     model.RowBroadcaster
	Periods PeriodStore
	BarSink chan<- model.Bar
	Flusher BarFlusher
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Log     *zap.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(d ProcessorDeps) *Processor {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	prom := d.Metrics
	if prom == nil {
		prom = metrics.NewMetrics()
	}
	health := d.Health
	if health == nil {
		health = metrics.NewHealthStatus()
	}
	return &Processor{
		engine:   d.Engine,
		replayer: overlay.NewReplayer(d.History, log),
		rows:     d.Rows,
		hub:      d.Hub,
		periods:  d.Periods,
		barSink:  d.BarSink,
		flusher:  d.Flusher,
		prom:     prom,
		health:   health,
		log:      log.With(zap.String("component", "indengine")),
		archived: make(map[string]time.Time),
		requests: make(chan func(ctx context.Context)),
		done:     make(chan struct{}),
	}
}

// Run processes bars and requests until ctx is cancelled or bars is closed.
func (p *Processor) Run(ctx context.Context, bars <-chan model.Bar) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.requests:
			fn(ctx)
		case bar, ok := <-bars:
			if !ok {
				return
			}
			p.HandleBar(ctx, bar)
		}
	}
}

// Do runs fn on the processing goroutine and waits for it to finish.
func (p *Processor) Do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}
	select {
	case p.requests <- wrapped:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleBar runs one live bar through the engine, publishes its row and
// archives any period the bar closed. A bar older than the instrument's
// newest bar (a redelivered stream entry) is dropped. Must be called on the
// processing goroutine.
func (p *Processor) HandleBar(ctx context.Context, bar model.Bar) {
	key := bar.Key()
	if last, ok := p.engine.LastBar(key); ok && bar.Time.Before(last) {
		p.prom.StaleBars.Inc()
		return
	}
	if !indicator.ValidTrailBar(bar) || !indicator.ValidProfileBar(bar) {
		p.prom.InvalidBars.WithLabelValues(key).Inc()
	}

	start := time.Now()
	row := p.engine.Process(bar)
	p.prom.ComputeDur.Observe(time.Since(start).Seconds())
	p.prom.BarsProcessed.WithLabelValues(key).Inc()
	if bar.Forming {
		p.prom.LiveBars.Inc()
	}

	p.publish(ctx, []model.OverlayRow{row})
	if p.hub != nil {
		p.hub.BroadcastRow(row)
	}

	if !bar.Forming && p.barSink != nil {
		select {
		case p.barSink <- bar:
		default:
			p.log.Warn("bar store queue full, dropping bar", zap.String("key", key))
		}
	}

	p.archivePeriods(ctx, key, bar.Symbol, bar.TF)
	p.prom.AttachedInstruments.Set(float64(p.engine.Len()))
	p.health.SetAttached(p.engine.Len())
	p.health.SetLastBarTime(time.Now())
}

// Attach rebuilds key from its stored history, publishing the replayed
// rows and broadcasting the last one. Closed bars still queued for the
// store are flushed first so the replay covers every bar seen live. Must be
// called on the processing goroutine.
func (p *Processor) Attach(ctx context.Context, key string) (int, error) {
	symbol, tf, err := model.ParseInstrumentKey(key)
	if err != nil {
		return 0, err
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(key, time.Now()))

	if p.flusher != nil {
		if err := p.flusher.Flush(ctx); err != nil {
			return 0, errors.Wrap(err, "flush bar store")
		}
	}

	batch := make([]model.OverlayRow, 0, replayBatchSize)
	var (
		last    model.OverlayRow
		hasLast bool
	)
	n, err := p.replayer.Reattach(ctx, p.engine, key, func(row model.OverlayRow) {
		last, hasLast = row, true
		batch = append(batch, row)
		if len(batch) == replayBatchSize {
			p.publish(ctx, batch)
			batch = make([]model.OverlayRow, 0, replayBatchSize)
		}
	})
	if err != nil {
		return 0, err
	}
	p.publish(ctx, batch)
	if hasLast && p.hub != nil {
		p.hub.BroadcastRow(last)
	}

	delete(p.archived, key)
	p.archivePeriods(ctx, key, symbol, tf)

	p.prom.Replays.Inc()
	p.prom.ReplayBars.Add(float64(n))
	p.prom.AttachedInstruments.Set(float64(p.engine.Len()))
	p.health.SetAttached(p.engine.Len())
	p.log.Debug("attach complete", append(logger.LogWithTrace(ctx), zap.String("key", key), zap.Int("bars", n))...)
	return n, nil
}

// AttachAll attaches every key, logging and skipping failures. Returns the
// total number of bars replayed.
func (p *Processor) AttachAll(ctx context.Context, keys []string) int {
	total := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		n, err := p.Attach(ctx, key)
		if err != nil {
			p.log.Warn("attach failed", zap.String("key", key), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

// Detach drops key's state. Must be called on the processing goroutine.
func (p *Processor) Detach(key string) bool {
	ok := p.engine.Detach(key)
	delete(p.archived, key)
	p.prom.AttachedInstruments.Set(float64(p.engine.Len()))
	p.health.SetAttached(p.engine.Len())
	return ok
}

// Done is closed once Run has returned. No bar or request is in flight
// after that.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Engine returns the overlay engine. Only touch it on the processing goroutine.
func (p *Processor) Engine() *overlay.Engine { return p.engine }

func (p *Processor) publish(ctx context.Context, rows []model.OverlayRow) {
	if p.rows == nil || len(rows) == 0 {
		return
	}
	if err := p.rows.WriteRowBatch(ctx, rows); err != nil {
		p.prom.PublishErrors.Inc()
		p.log.Debug("row publish failed", zap.Int("rows", len(rows)), zap.Error(err))
	}
}

// archivePeriods saves every finalized period of key newer than the last
// one archived.
func (p *Processor) archivePeriods(ctx context.Context, key, symbol string, tf int) {
	finalized := p.engine.Finalized(key)
	if len(finalized) == 0 {
		return
	}
	since, seen := p.archived[key]
	for _, s := range finalized {
		if seen && !s.Start.After(since) {
			continue
		}
		p.prom.PeriodsFinalized.WithLabelValues(key).Inc()
		if p.periods != nil {
			if err := p.periods.SavePeriod(ctx, symbol, tf, s); err != nil {
				p.prom.PeriodSaveErrors.Inc()
				p.log.Warn("period save failed", zap.String("key", key), zap.String("period", s.ID), zap.Error(err))
			}
		}
		p.archived[key] = s.Start
		since, seen = s.Start, true
	}
}
