package overlay

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"
)

var t0 = time.Date(2024, 3, 15, 9, 15, 0, 0, time.UTC)

func bar(symbol string, i int, close, volume float64) model.Bar {
	return model.Bar{
		Symbol: symbol, TF: 60, Time: t0.Add(time.Duration(i) * time.Minute),
		Open: close, High: close + 0.5, Low: close - 0.5, Close: close, Volume: volume,
	}
}

func history(symbol string, n int) []model.Bar {
	out := make([]model.Bar, n)
	for i := range out {
		out[i] = bar(symbol, i, 100+float64(i%7), float64(10+i%3))
	}
	return out
}

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func sameRow(a, b model.OverlayRow) bool {
	return a.Symbol == b.Symbol && a.TF == b.TF && a.Time.Equal(b.Time) && a.Live == b.Live &&
		sameFloat(a.Trail.Trail1, b.Trail.Trail1) && sameFloat(a.Trail.Trail2, b.Trail.Trail2) &&
		sameFloat(a.Trail.Trail1Green, b.Trail.Trail1Green) && sameFloat(a.Trail.Trail1Red, b.Trail.Trail1Red) &&
		sameFloat(a.Profile.POC, b.Profile.POC) && sameFloat(a.Profile.VAL, b.Profile.VAL) &&
		sameFloat(a.Profile.VAH, b.Profile.VAH)
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trail.MALength = 0
	if _, err := NewEngine(cfg); err == nil {
		t.Error("expected error for MA length 0")
	}
	cfg = DefaultConfig()
	cfg.Profile.ValueAreaPct = 5
	if _, err := NewEngine(cfg); err == nil {
		t.Error("expected error for 5% value area")
	}
}

func TestEngine_AttachEqualsLiveProcessing(t *testing.T) {
	bars := history("NIFTY", 50)

	live := mustEngine(t)
	var liveRows []model.OverlayRow
	for _, b := range bars {
		liveRows = append(liveRows, live.Process(b))
	}

	replayed := mustEngine(t)
	var replayRows []model.OverlayRow
	n, err := replayed.Attach("NIFTY:60", bars, func(r model.OverlayRow) { replayRows = append(replayRows, r) })
	if err != nil {
		t.Fatal(err)
	}
	if n != len(bars) || len(replayRows) != len(liveRows) {
		t.Fatalf("replayed %d bars, %d rows; want %d", n, len(replayRows), len(bars))
	}
	for i := range liveRows {
		if !sameRow(liveRows[i], replayRows[i]) {
			t.Fatalf("row %d differs:\nlive   %+v\nreplay %+v", i, liveRows[i], replayRows[i])
		}
	}
}

func TestEngine_ReattachDiscardsState(t *testing.T) {
	e := mustEngine(t)
	for _, b := range history("NIFTY", 30) {
		e.Process(b)
	}

	fresh := mustEngine(t)
	short := history("NIFTY", 5)
	if _, err := e.Attach("NIFTY:60", short, nil); err != nil {
		t.Fatal(err)
	}
	fresh.Attach("NIFTY:60", short, nil)

	next := bar("NIFTY", 5, 104, 12)
	if a, b := e.Process(next), fresh.Process(next); !sameRow(a, b) {
		t.Errorf("state leaked across re-attach:\ngot  %+v\nwant %+v", a, b)
	}
}

func TestEngine_AttachSkipsOtherInstruments(t *testing.T) {
	e := mustEngine(t)
	bars := append(history("NIFTY", 3), history("BANKNIFTY", 4)...)
	n, err := e.Attach("BANKNIFTY:60", bars, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("replayed %d, want 4", n)
	}
}

func TestEngine_AttachRejectsBadKey(t *testing.T) {
	e := mustEngine(t)
	if _, err := e.Attach("NIFTY", nil, nil); err == nil {
		t.Error("expected error for key without timeframe")
	}
	if e.Len() != 0 {
		t.Errorf("Len = %d after failed attach", e.Len())
	}
}

func TestEngine_InstrumentsAreIndependent(t *testing.T) {
	e := mustEngine(t)
	solo := mustEngine(t)
	for i, b := range history("A", 20) {
		e.Process(b)
		e.Process(bar("B", i, 5000-float64(i), 999))
		solo.Process(b)
	}
	next := bar("A", 20, 101, 10)
	if a, b := e.Process(next), solo.Process(next); !sameRow(a, b) {
		t.Errorf("instrument B leaked into A")
	}
	if keys := e.Keys(); len(keys) != 2 || keys[0] != "A:60" || keys[1] != "B:60" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestEngine_DetachAndAutoAttach(t *testing.T) {
	e := mustEngine(t)
	e.Process(bar("X", 0, 10, 1))
	if !e.Attached("X:60") {
		t.Fatal("Process should auto-attach")
	}
	if !e.Detach("X:60") || e.Attached("X:60") {
		t.Error("Detach failed")
	}
	if e.Detach("X:60") {
		t.Error("second Detach reported true")
	}
	if e.Finalized("X:60") != nil {
		t.Error("Finalized on detached key should be nil")
	}
}

func TestEngine_ProcessPeekDoesNotMutate(t *testing.T) {
	e := mustEngine(t)
	for _, b := range history("NIFTY", 10) {
		e.Process(b)
	}
	next := bar("NIFTY", 10, 150, 40)
	next.Forming = true
	peeked := e.ProcessPeek(next)
	got := e.Process(next)
	if !sameRow(peeked, got) {
		t.Errorf("Peek %+v != Process %+v", peeked, got)
	}
	if !got.Live {
		t.Error("forming bar should produce a live row")
	}

	if e.Attached("NEW:60") {
		t.Fatal("unexpected key")
	}
	e.ProcessPeek(bar("NEW", 0, 1, 1))
	if e.Attached("NEW:60") {
		t.Error("ProcessPeek attached an unknown key")
	}
}

func TestEngine_FlushAndStats(t *testing.T) {
	e := mustEngine(t)
	bars := history("NIFTY", 20)
	bars = append(bars, model.Bar{Symbol: "NIFTY", TF: 60, Time: t0.Add(24 * time.Hour), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	e.Attach("NIFTY:60", bars, nil)

	if got := len(e.Finalized("NIFTY:60")); got != 1 {
		t.Fatalf("finalized after day change: %d", got)
	}
	s, ok := e.Flush("NIFTY:60")
	if !ok || s.ID != "2024-3-16" || s.TotalVolume != 1 {
		t.Errorf("Flush = %+v, %v", s, ok)
	}

	st, ok := e.Stats("NIFTY:60")
	if !ok || st.Bars != 21 || st.Finalized != 2 || st.MovingAvg != "EMA_10" || st.Period != indicator.PeriodSession.String() {
		t.Errorf("Stats = %+v", st)
	}
}

// ────────────────────────────────────────────────────────────
// Replayer
// ────────────────────────────────────────────────────────────

type fakeReader struct {
	bars map[string][]model.Bar
	err  error
}

func (f *fakeReader) ReadBars(_ context.Context, symbol string, tf int, afterTS int64) ([]model.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Bar
	for _, b := range f.bars[model.InstrumentKey(symbol, tf)] {
		if b.Time.Unix() > afterTS {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeReader) Close() error { return nil }

func TestReplayer_Reattach(t *testing.T) {
	reader := &fakeReader{bars: map[string][]model.Bar{"NIFTY:60": history("NIFTY", 12)}}
	r := NewReplayer(reader, nil)
	e := mustEngine(t)

	rows := 0
	n, err := r.Reattach(context.Background(), e, "NIFTY:60", func(model.OverlayRow) { rows++ })
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 || rows != 12 {
		t.Errorf("replayed %d bars, %d rows; want 12", n, rows)
	}
}

func TestReplayer_ReattachAllKeepsGoing(t *testing.T) {
	reader := &fakeReader{bars: map[string][]model.Bar{"A:60": history("A", 3), "B:60": history("B", 4)}}
	r := NewReplayer(reader, nil)
	e := mustEngine(t)

	n, err := r.ReattachAll(context.Background(), e, []string{"A:60", "broken", "B:60"}, nil)
	if err == nil {
		t.Error("expected error for malformed key")
	}
	if n != 7 || e.Len() != 2 {
		t.Errorf("replayed %d bars into %d instruments; want 7 into 2", n, e.Len())
	}
}

func TestReplayer_ReadError(t *testing.T) {
	boom := errors.New("disk gone")
	r := NewReplayer(&fakeReader{err: boom}, nil)
	if _, err := r.Reattach(context.Background(), mustEngine(t), "A:60", nil); err == nil {
		t.Error("expected read error")
	}
}

func TestEngine_LastBar(t *testing.T) {
	e := mustEngine(t)
	if _, ok := e.LastBar("NIFTY:60"); ok {
		t.Error("LastBar of unknown key reported ok")
	}
	e.Attach("NIFTY:60", nil, nil)
	if _, ok := e.LastBar("NIFTY:60"); ok {
		t.Error("LastBar of empty instrument reported ok")
	}

	e.Process(bar("NIFTY", 0, 100, 10))
	e.Process(bar("NIFTY", 1, 101, 10))
	last, ok := e.LastBar("NIFTY:60")
	if !ok || !last.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastBar = %v, %v", last, ok)
	}
}

func TestEngine_RejectedBarNotCounted(t *testing.T) {
	e := mustEngine(t)
	e.Process(bar("NIFTY", 0, 100, 10))

	nan := math.NaN()
	junk := model.Bar{Symbol: "NIFTY", TF: 60, Time: t0.Add(5 * time.Minute), Open: nan, High: nan, Low: nan, Close: nan, Volume: nan}
	e.Process(junk)
	st, _ := e.Stats("NIFTY:60")
	if st.Bars != 1 || !st.LastBar.Equal(t0) {
		t.Errorf("after rejected bar: %+v", st)
	}

	// accepted by the trail only: still counts
	noVolume := bar("NIFTY", 1, 101, 0)
	e.Process(noVolume)
	st, _ = e.Stats("NIFTY:60")
	if st.Bars != 2 || !st.LastBar.Equal(noVolume.Time) {
		t.Errorf("after zero-volume bar: %+v", st)
	}
}
