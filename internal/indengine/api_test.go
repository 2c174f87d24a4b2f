package indengine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"overlay-systemv1/internal/indicator"
	"overlay-systemv1/internal/model"
	"overlay-systemv1/internal/overlay"
)

type fakeArchive struct {
	periods []indicator.PeriodSummary
}

func (f *fakeArchive) ReadPeriods(context.Context, string, int) ([]indicator.PeriodSummary, error) {
	return f.periods, nil
}

func startAPI(t *testing.T, history map[string][]model.Bar) (*httptest.Server, *[]string) {
	t.Helper()
	h := newHarness(t, history)
	ctx, cancel := context.WithCancel(context.Background())
	go h.proc.Run(ctx, make(chan model.Bar))
	t.Cleanup(func() {
		cancel()
		<-h.proc.done
	})

	var watched []string
	a := &api{
		proc:        h.proc,
		archive:     &fakeArchive{periods: []indicator.PeriodSummary{{ID: "2024-3-14", Bars: 375}}},
		afterAttach: func(key string) { watched = append(watched, key) },
		log:         h.proc.log,
	}
	srv := httptest.NewServer(newMux(a, nil, nil))
	t.Cleanup(srv.Close)
	return srv, &watched
}

func post(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestAPI_AttachStatsPeriodsDetach(t *testing.T) {
	history := append(testHistory(30), nextDay(1, 0))
	srv, watched := startAPI(t, map[string][]model.Bar{"NIFTY:60": history})

	resp := post(t, srv.URL+"/attach?key=NIFTY:60", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("attach status = %d", resp.StatusCode)
	}
	var attached struct {
		Status string `json:"status"`
		Bars   int    `json:"bars_replayed"`
	}
	decode(t, resp, &attached)
	if attached.Status != "ok" || attached.Bars != 31 {
		t.Errorf("attach = %+v", attached)
	}
	if len(*watched) != 1 || (*watched)[0] != "NIFTY:60" {
		t.Errorf("stream watch = %v", *watched)
	}

	var stats []overlay.Stats
	decode(t, get(t, srv.URL+"/stats"), &stats)
	if len(stats) != 1 || stats[0].Key != "NIFTY:60" || stats[0].Bars != 31 || stats[0].Finalized != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var periods []indicator.PeriodSummary
	decode(t, get(t, srv.URL+"/periods?key=NIFTY:60"), &periods)
	if len(periods) != 1 || periods[0].Bars != 30 {
		t.Errorf("periods = %+v", periods)
	}

	var archived []indicator.PeriodSummary
	decode(t, get(t, srv.URL+"/periods?key=NIFTY:60&source=archive"), &archived)
	if len(archived) != 1 || archived[0].ID != "2024-3-14" {
		t.Errorf("archived = %+v", archived)
	}

	resp = post(t, srv.URL+"/detach?key=NIFTY:60", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("detach status = %d", resp.StatusCode)
	}
	resp = post(t, srv.URL+"/detach?key=NIFTY:60", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second detach status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_BadRequests(t *testing.T) {
	srv, _ := startAPI(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"attach_get", http.MethodGet, "/attach?key=NIFTY:60", "", http.StatusMethodNotAllowed},
		{"attach_bad_key", http.MethodPost, "/attach?key=NIFTY", "", http.StatusBadRequest},
		{"periods_not_attached", http.MethodGet, "/periods?key=NIFTY:60", "", http.StatusNotFound},
		{"stats_not_attached", http.MethodGet, "/stats?key=NIFTY:60", "", http.StatusNotFound},
		{"peek_bad_json", http.MethodPost, "/peek", "{", http.StatusBadRequest},
		{"peek_missing_symbol", http.MethodPost, "/peek", `{"tf":60}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, bytes.NewBufferString(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.code)
			}
		})
	}
}

func TestAPI_PeekDoesNotAttach(t *testing.T) {
	srv, _ := startAPI(t, nil)

	body, _ := json.Marshal(testBar(0, 100))
	resp := post(t, srv.URL+"/peek", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("peek status = %d", resp.StatusCode)
	}
	var row model.OverlayRow
	decode(t, resp, &row)
	if row.Symbol != "NIFTY" || row.TF != 60 || !row.Live {
		t.Errorf("peek row = %+v", row)
	}

	var stats []overlay.Stats
	decode(t, get(t, srv.URL+"/stats"), &stats)
	if len(stats) != 0 {
		t.Errorf("peek attached an instrument: %+v", stats)
	}
}
