package indengine

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"overlay-systemv1/config"
	"overlay-systemv1/internal/gateway"
	"overlay-systemv1/internal/metrics"
	"overlay-systemv1/internal/model"
	"overlay-systemv1/internal/overlay"
	redisstore "overlay-systemv1/internal/store/redis"
	sqlitestore "overlay-systemv1/internal/store/sqlite"
)

const (
	barChanSize     = 5000
	statsInterval   = 5 * time.Second
	livenessEvery   = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Service is the top-level orchestrator of the overlay engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config
	log *zap.Logger

	proc        *Processor
	hub         *gateway.Hub
	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	rows        *redisstore.BufferedWriter
	sqlReader   *sqlitestore.Reader
	sqlWriter   *sqlitestore.Writer
	prom        *metrics.Metrics
	health      *metrics.HealthStatus

	runCtx    context.Context
	streamsMu sync.Mutex
	streams   []string

	barCh   chan model.Bar
	storeCh chan model.Bar
	stored  chan struct{} // closed when the bar store writer exits
	api     *http.Server
	metrics *metrics.Server
}

// New connects to Redis and SQLite and builds the engine. Nothing runs
// until Run.
func New(cfg *config.Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ocfg, err := cfg.OverlayConfig()
	if err != nil {
		return nil, err
	}
	engine, err := overlay.NewEngine(ocfg)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:     cfg,
		log:     log.With(zap.String("component", "indengine")),
		prom:    metrics.NewMetrics(),
		health:  metrics.NewHealthStatus(),
		barCh:   make(chan model.Bar, barChanSize),
		storeCh: make(chan model.Bar, barChanSize),
		stored:  make(chan struct{}),
	}

	// ---- Redis ----
	svc.redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}
	svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Log:      log,
	})
	if err != nil {
		svc.redisReader.Close()
		return nil, err
	}

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath, Log: log})
	if err != nil {
		svc.redisWriter.Close()
		svc.redisReader.Close()
		return nil, err
	}
	svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		svc.sqlWriter.Close()
		svc.redisWriter.Close()
		svc.redisReader.Close()
		return nil, errors.Wrap(err, "sqlite reader")
	}

	// ---- Publishing: breaker + local buffer in front of Redis ----
	cb := redisstore.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset)
	cb.OnStateChange = func(from, to redisstore.State) {
		svc.prom.ObserveBreaker(int(to), int(redisstore.StateOpen))
		svc.log.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	svc.rows = redisstore.NewBufferedWriter(svc.redisWriter, cb, cfg.BufferSize, log)
	svc.rows.OnBuffer = func(n int) { svc.prom.BufferedRows.Add(float64(n)) }
	svc.rows.OnFlush = func(n int) { svc.prom.FlushedRows.Add(float64(n)) }

	svc.hub = gateway.NewHub(log, cfg.ReplaySize)

	svc.proc = NewProcessor(ProcessorDeps{
		Engine:  engine,
		History: svc.sqlReader,
		Rows:    svc.rows,
		Hub:     svc.hub,
		Periods: svc.sqlWriter,
		BarSink: svc.storeCh,
		Flusher: svc.sqlWriter,
		Metrics: svc.prom,
		Health:  svc.health,
		Log:     log,
	})
	return svc, nil
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	svc.runCtx = ctx
	svc.log.Info("starting overlay engine",
		zap.String("moving_average", svc.proc.Engine().Config().Trail.MAType.String()),
		zap.String("profile_period", svc.proc.Engine().Config().Profile.Period.String()))

	go func() {
		defer close(svc.stored)
		svc.sqlWriter.Run(ctx, svc.storeCh)
	}()

	// ---- Replay stored history ----
	keys, err := svc.instrumentKeys(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	replayed := svc.proc.AttachAll(ctx, keys)
	svc.log.Info("history replayed",
		zap.Int("instruments", len(keys)),
		zap.Int("bars", replayed),
		zap.Duration("took", time.Since(start)))

	go svc.proc.Run(ctx, svc.barCh)

	// ---- Live bars ----
	svc.streams = streamsFor(keys)
	svc.startConsumer(ctx)
	svc.startPELReclaimer(ctx)
	svc.startControlSubscriber(ctx)

	// ---- HTTP ----
	svc.health.StartLivenessChecker(ctx, svc.redisWriter.Client(), svc.sqlWriter.DB(), livenessEvery)
	svc.metrics = metrics.NewServer(svc.cfg.MetricsAddr, svc.prom, svc.health, svc.log)
	svc.metrics.Start()
	svc.startHTTP()
	go svc.statsLoop(ctx)

	svc.log.Info("all systems running",
		zap.Int("streams", len(svc.streams)),
		zap.String("http", svc.cfg.HTTPAddr),
		zap.String("metrics", svc.cfg.MetricsAddr))

	<-ctx.Done()
	svc.shutdown()
	return nil
}

// instrumentKeys returns the configured instruments, or every instrument in
// the bar store when none are configured.
func (svc *Service) instrumentKeys(ctx context.Context) ([]string, error) {
	if len(svc.cfg.Instruments) > 0 {
		return svc.cfg.Instruments, nil
	}
	keys, err := svc.sqlReader.Instruments(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "discover instruments")
	}
	if len(keys) == 0 {
		svc.log.Warn("no instruments configured or stored; waiting for attach requests")
	}
	return keys, nil
}

func streamsFor(keys []string) []string {
	streams := make([]string, 0, len(keys))
	for _, key := range keys {
		symbol, tf, err := model.ParseInstrumentKey(key)
		if err != nil {
			continue
		}
		streams = append(streams, model.BarStreamKey(symbol, tf))
	}
	return streams
}

// statsLoop refreshes gauges owned by other goroutines.
func (svc *Service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.prom.WSClients.Set(float64(svc.hub.ClientCount()))
			svc.prom.PendingRows.Set(float64(svc.rows.PendingCount()))
		}
	}
}

// shutdown flushes buffered rows and closes connections.
func (svc *Service) shutdown() {
	svc.log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if svc.api != nil {
		svc.api.Shutdown(ctx)
	}
	if svc.metrics != nil {
		svc.metrics.Stop(ctx)
	}

	// the processor publishes through rows; let its last bar finish first
	<-svc.proc.Done()

	if n := svc.rows.PendingCount(); n > 0 {
		if err := svc.rows.WriteRowBatch(ctx, nil); err != nil {
			svc.log.Warn("dropping buffered rows", zap.Int("rows", n), zap.Error(err))
		}
	}

	<-svc.stored
	svc.sqlReader.Close()
	svc.sqlWriter.Close()
	svc.rows.Close()
	svc.redisReader.Close()

	svc.log.Info("shutdown complete")
}
