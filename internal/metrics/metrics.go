package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus metrics of the overlay service. Each instance
// owns its registry so several can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	BarsProcessed    *prometheus.CounterVec // labels: instrument
	InvalidBars      *prometheus.CounterVec // labels: instrument
	StaleBars        prometheus.Counter
	LiveBars         prometheus.Counter
	ComputeDur       prometheus.Histogram
	PeriodsFinalized *prometheus.CounterVec // labels: instrument
	Replays          prometheus.Counter
	ReplayBars       prometheus.Counter

	AttachedInstruments prometheus.Gauge
	WSClients           prometheus.Gauge

	// Publishing
	PublishErrors prometheus.Counter
	BufferedRows  prometheus.Counter
	FlushedRows   prometheus.Counter
	PendingRows   prometheus.Gauge

	// Circuit breaker
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter

	PELMessagesReclaimed prometheus.Counter
	PeriodSaveErrors     prometheus.Counter
}

// NewMetrics creates and registers all metrics, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,

		BarsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_bars_processed_total",
			Help: "Bars run through the overlay engine (by instrument)",
		}, []string{"instrument"}),
		InvalidBars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_invalid_bars_total",
			Help: "Bars with non-finite prices or volume skipped by the indicators",
		}, []string{"instrument"}),
		StaleBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_stale_bars_total",
			Help: "Bars older than the instrument's newest bar, dropped",
		}),
		LiveBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_live_bars_total",
			Help: "Forming-bar revisions processed",
		}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_compute_duration_seconds",
			Help:    "Overlay engine compute latency per bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		PeriodsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_profile_periods_finalized_total",
			Help: "Volume profile periods closed (by instrument)",
		}, []string{"instrument"}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_replays_total",
			Help: "Instrument attaches that replayed stored history",
		}),
		ReplayBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_replay_bars_total",
			Help: "Historical bars replayed at attach time",
		}),

		AttachedInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_attached_instruments",
			Help: "Instruments currently attached to the engine",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_ws_clients",
			Help: "Connected chart WebSocket clients",
		}),

		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_publish_errors_total",
			Help: "Row batches that failed to publish to Redis",
		}),
		BufferedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_buffered_rows_total",
			Help: "Closed rows buffered locally while Redis was unavailable",
		}),
		FlushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_flushed_rows_total",
			Help: "Buffered rows delivered after Redis recovered",
		}),
		PendingRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_pending_rows",
			Help: "Rows currently held in the local publish buffer",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_pel_messages_reclaimed_total",
			Help: "Bar stream messages reclaimed from dead consumers",
		}),
		PeriodSaveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_period_save_errors_total",
			Help: "Finalized profile periods that failed to persist",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BarsProcessed,
		m.InvalidBars,
		m.StaleBars,
		m.LiveBars,
		m.ComputeDur,
		m.PeriodsFinalized,
		m.Replays,
		m.ReplayBars,
		m.AttachedInstruments,
		m.WSClients,
		m.PublishErrors,
		m.BufferedRows,
		m.FlushedRows,
		m.PendingRows,
		m.BreakerState,
		m.BreakerTrips,
		m.PELMessagesReclaimed,
		m.PeriodSaveErrors,
	)
	return m
}

// ObserveBreaker records a breaker transition; open is the numeric value
// of the open state.
func (m *Metrics) ObserveBreaker(to, open int) {
	m.BreakerState.Set(float64(to))
	if to == open {
		m.BreakerTrips.Inc()
	}
}

// HealthStatus is the service health reported on /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	ConsumerOK     bool      `json:"consumer_ok"`
	LastBarTime    time.Time `json:"last_bar_time"`
	Attached       int       `json:"attached"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetConsumerOK(v bool) {
	h.mu.Lock()
	h.ConsumerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetAttached(n int) {
	h.mu.Lock()
	h.Attached = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	h.recordRedis(err == nil, time.Since(start))
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	h.recordSQLite(err == nil, time.Since(start))
}

func (h *HealthStatus) recordRedis(ok bool, latency time.Duration) {
	h.mu.Lock()
	h.RedisConnected = ok
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

func (h *HealthStatus) recordSQLite(ok bool, latency time.Duration) {
	h.mu.Lock()
	h.SQLiteOK = ok
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker probes the dependencies immediately and then every
// interval until ctx is cancelled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles /healthz.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK || !h.ConsumerOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overall = "unhealthy"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		ConsumerOK      bool    `json:"consumer_ok"`
		LastBarTime     string  `json:"last_bar_time"`
		BarAge          string  `json:"bar_age"`
		Attached        int     `json:"attached"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ConsumerOK:      h.ConsumerOK,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		Attached:        h.Attached,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs the HTTP server exposing /metrics, /healthz and any routes
// added with Handle before Start.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		mux:  mux,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  log.With(zap.String("component", "metrics")),
	}
}

// Mux exposes the server's mux for additional routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
