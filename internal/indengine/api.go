package indengine

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"overlay-systemv1/internal/gateway"
	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"
	"overlay-systemv1/internal/overlay"
)

const requestTimeout = 30 * time.Second

// PeriodReader reads archived volume-profile periods.
type PeriodReader interface {
	ReadPeriods(ctx context.Context, symbol string, tf int) ([]indicator.PeriodSummary, error)
}

// api serves the control endpoints. Every engine access goes through the
// processor's loop.
type api struct {
	proc        *Processor
	archive     PeriodReader
	afterAttach func(key string)
	log         *zap.Logger
}

// newMux mounts the gateway routes and the control endpoints:
//
//	GET  /healthz
//	POST /attach?key=SYMBOL:TF    re-attach and replay stored history
//	POST /detach?key=SYMBOL:TF
//	GET  /stats[?key=SYMBOL:TF]
//	GET  /periods?key=SYMBOL:TF[&source=archive]
//	POST /peek                    body: bar JSON; row without mutating state
func newMux(a *api, hub *gateway.Hub, health http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if hub != nil {
		gateway.RegisterRoutes(mux, hub)
	}
	if health != nil {
		mux.Handle("/healthz", health)
	}
	mux.HandleFunc("/attach", a.handleAttach)
	mux.HandleFunc("/detach", a.handleDetach)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/periods", a.handlePeriods)
	mux.HandleFunc("/peek", a.handlePeek)
	return mux
}

// startHTTP launches the API server on cfg.HTTPAddr.
func (svc *Service) startHTTP() {
	a := &api{
		proc:        svc.proc,
		archive:     svc.sqlReader,
		afterAttach: func(key string) { svc.watchStream(svc.runCtx, key) },
		log:         svc.log,
	}
	svc.api = &http.Server{Addr: svc.cfg.HTTPAddr, Handler: newMux(a, svc.hub, svc.health)}
	go func() {
		svc.log.Info("HTTP server listening", zap.String("addr", svc.cfg.HTTPAddr))
		if err := svc.api.ListenAndServe(); err != http.ErrServerClosed {
			svc.log.Error("HTTP server error", zap.Error(err))
		}
	}()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	gateway.SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *api) keyParam(w http.ResponseWriter, r *http.Request) (string, string, int, bool) {
	key := r.URL.Query().Get("key")
	symbol, tf, err := model.ParseInstrumentKey(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", 0, false
	}
	return key, symbol, tf, true
}

func (a *api) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	key, _, _, ok := a.keyParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	start := time.Now()
	var (
		n   int
		err error
	)
	if doErr := a.proc.Do(ctx, func(ctx context.Context) {
		n, err = a.proc.Attach(ctx, key)
	}); doErr != nil {
		writeError(w, http.StatusServiceUnavailable, doErr.Error())
		return
	}
	if err != nil {
		a.log.Warn("attach failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if a.afterAttach != nil {
		a.afterAttach(key)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"key":           key,
		"bars_replayed": n,
		"took_ms":       time.Since(start).Milliseconds(),
	})
}

func (a *api) handleDetach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	key, _, _, ok := a.keyParam(w, r)
	if !ok {
		return
	}
	var detached bool
	if err := a.proc.Do(r.Context(), func(context.Context) {
		detached = a.proc.Detach(key)
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !detached {
		writeError(w, http.StatusNotFound, "not attached: "+key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": key})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	var (
		out   []overlay.Stats
		found = true
	)
	err := a.proc.Do(r.Context(), func(context.Context) {
		e := a.proc.Engine()
		if key != "" {
			var s overlay.Stats
			s, found = e.Stats(key)
			if found {
				out = append(out, s)
			}
			return
		}
		for _, k := range e.Keys() {
			s, _ := e.Stats(k)
			out = append(out, s)
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not attached: "+key)
		return
	}
	if out == nil {
		out = []overlay.Stats{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handlePeriods(w http.ResponseWriter, r *http.Request) {
	key, symbol, tf, ok := a.keyParam(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("source") == "archive" {
		if a.archive == nil {
			writeError(w, http.StatusNotFound, "no period archive")
			return
		}
		periods, err := a.archive.ReadPeriods(r.Context(), symbol, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if periods == nil {
			periods = []indicator.PeriodSummary{}
		}
		writeJSON(w, http.StatusOK, periods)
		return
	}

	var (
		periods  []indicator.PeriodSummary
		attached bool
	)
	if err := a.proc.Do(r.Context(), func(context.Context) {
		attached = a.proc.Engine().Attached(key)
		periods = a.proc.Engine().Finalized(key)
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !attached {
		writeError(w, http.StatusNotFound, "not attached: "+key)
		return
	}
	if periods == nil {
		periods = []indicator.PeriodSummary{}
	}
	writeJSON(w, http.StatusOK, periods)
}

func (a *api) handlePeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var bar model.Bar
	if err := json.NewDecoder(r.Body).Decode(&bar); err != nil {
		writeError(w, http.StatusBadRequest, "invalid bar JSON: "+err.Error())
		return
	}
	if bar.Symbol == "" || bar.TF <= 0 {
		writeError(w, http.StatusBadRequest, "symbol and tf are required")
		return
	}
	var row model.OverlayRow
	if err := a.proc.Do(r.Context(), func(context.Context) {
		row = a.proc.Engine().ProcessPeek(bar)
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}
