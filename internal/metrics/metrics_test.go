package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.BarsProcessed.WithLabelValues("BTCUSD:60").Add(3)
	b.BarsProcessed.WithLabelValues("BTCUSD:60").Inc()

	if got := testutil.ToFloat64(a.BarsProcessed.WithLabelValues("BTCUSD:60")); got != 3 {
		t.Errorf("a bars = %v, want 3", got)
	}
	if got := testutil.ToFloat64(b.BarsProcessed.WithLabelValues("BTCUSD:60")); got != 1 {
		t.Errorf("b bars = %v, want 1", got)
	}
}

func TestObserveBreaker(t *testing.T) {
	m := NewMetrics()
	const open = 1

	m.ObserveBreaker(open, open)
	m.ObserveBreaker(2, open)
	m.ObserveBreaker(open, open)
	m.ObserveBreaker(0, open)

	if got := testutil.ToFloat64(m.BreakerTrips); got != 2 {
		t.Errorf("trips = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BreakerState); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.PeriodsFinalized.WithLabelValues("ETHUSD:300").Inc()
	s := NewServer(":0", m, NewHealthStatus(), nil)

	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `overlay_profile_periods_finalized_total{instrument="ETHUSD:300"} 1`) {
		t.Errorf("metrics output missing finalized counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing Go collector")
	}
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name     string
		redis    bool
		sqlite   bool
		consumer bool
		code     int
		status   string
	}{
		{"healthy", true, true, true, http.StatusOK, "healthy"},
		{"consumer_down", true, true, false, http.StatusServiceUnavailable, "degraded"},
		{"redis_down", false, true, true, http.StatusServiceUnavailable, "degraded"},
		{"both_down", false, false, true, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			h.recordRedis(tt.redis, 2*time.Millisecond)
			h.recordSQLite(tt.sqlite, time.Millisecond)
			h.SetConsumerOK(tt.consumer)
			h.SetAttached(4)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			var body struct {
				Status         string  `json:"status"`
				Attached       int     `json:"attached"`
				RedisLatencyMs float64 `json:"redis_latency_ms"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.status {
				t.Errorf("status = %q, want %q", body.Status, tt.status)
			}
			if body.Attached != 4 {
				t.Errorf("attached = %d, want 4", body.Attached)
			}
			if body.RedisLatencyMs != 2 {
				t.Errorf("redis latency = %v, want 2", body.RedisLatencyMs)
			}
		})
	}
}
