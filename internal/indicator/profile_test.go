package indicator

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"overlay-systemv1/internal/model"
)

func profileBar(at time.Time, low, high, volume float64) model.Bar {
	mid := (low + high) / 2
	return model.Bar{Symbol: "TEST", TF: 60, Time: at, Open: mid, High: high, Low: low, Close: mid, Volume: volume}
}

func mustProfile(t *testing.T, cfg ProfileConfig) *VolumeProfile {
	t.Helper()
	vp, err := NewVolumeProfile(cfg)
	if err != nil {
		t.Fatalf("NewVolumeProfile: %v", err)
	}
	return vp
}

// ────────────────────────────────────────────────────────────
// PriceProfile
// ────────────────────────────────────────────────────────────

func TestPriceProfile_SplitsAcrossRows(t *testing.T) {
	p := NewPriceProfile(1)
	p.AddBar(100, 100, 10)
	p.AddBar(100, 101, 20)
	assertClose(t, "row 100", p.Volume(100), 20, 1e-12)
	assertClose(t, "row 101", p.Volume(101), 10, 1e-12)
	assertClose(t, "total", p.Total(), 30, 1e-12)
	if p.Len() != 2 {
		t.Errorf("Len: got %d, want 2", p.Len())
	}
}

func TestPriceProfile_BarInsideOneRow(t *testing.T) {
	p := NewPriceProfile(1)
	p.AddBar(100.2, 100.8, 6)
	if p.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", p.Len())
	}
	assertClose(t, "row 100", p.Volume(100), 6, 0)
}

func TestPriceProfile_FractionalRowSize(t *testing.T) {
	p := NewPriceProfile(0.25)
	// low 10.00, high 10.50: three rows 10.00, 10.25, 10.50
	p.AddBar(10.0, 10.5, 9)
	levels := p.Levels()
	if len(levels) != 3 {
		t.Fatalf("levels: got %d, want 3", len(levels))
	}
	for i, want := range []float64{10.0, 10.25, 10.5} {
		assertClose(t, "price", levels[i].Price, want, 1e-12)
		assertClose(t, "volume", levels[i].Volume, 3, 1e-12)
	}
}

func TestPriceProfile_CloneIsIndependent(t *testing.T) {
	p := NewPriceProfile(1)
	p.AddBar(5, 5, 1)
	cp := p.Clone()
	cp.AddBar(5, 6, 10)
	if p.Total() != 1 || p.Volume(5) != 1 {
		t.Errorf("clone aliased original: total=%v vol=%v", p.Total(), p.Volume(5))
	}
	p.Reset()
	if p.Len() != 0 || p.Total() != 0 || cp.Len() != 2 {
		t.Error("Reset wrong")
	}
}

// ────────────────────────────────────────────────────────────
// Value area
// ────────────────────────────────────────────────────────────

func profileOf(rows map[float64]float64) *PriceProfile {
	p := NewPriceProfile(1)
	for price, vol := range rows {
		p.AddBar(price, price, vol)
	}
	return p
}

func TestValueArea_Empty(t *testing.T) {
	va := CalculateValueArea(NewPriceProfile(1), 70)
	if va.Valid() || !math.IsNaN(va.VAL) || !math.IsNaN(va.VAH) {
		t.Errorf("want NaN value area, got %+v", va)
	}
}

func TestValueArea_DominantRowIsPOC(t *testing.T) {
	p := profileOf(map[float64]float64{98: 5, 99: 10, 100: 60, 101: 15, 102: 10})
	va := CalculateValueArea(p, 70)
	assertClose(t, "POC", va.POC, 100, 0)
	// 60 → +15 (up) = 75 ≥ 70
	assertClose(t, "VAL", va.VAL, 100, 0)
	assertClose(t, "VAH", va.VAH, 101, 0)
}

func TestValueArea_POCTieTakesLowestPrice(t *testing.T) {
	p := profileOf(map[float64]float64{100: 30, 101: 5, 102: 30})
	va := CalculateValueArea(p, 10)
	assertClose(t, "POC", va.POC, 100, 0)
}

func TestValueArea_NeighbourTieExpandsUp(t *testing.T) {
	p := profileOf(map[float64]float64{99: 10, 100: 30, 101: 10})
	va := CalculateValueArea(p, 70)
	assertClose(t, "VAL", va.VAL, 100, 0)
	assertClose(t, "VAH", va.VAH, 101, 0)
}

func TestValueArea_FullCoverageSpansProfile(t *testing.T) {
	p := profileOf(map[float64]float64{95: 1, 100: 30, 104: 2})
	va := CalculateValueArea(p, 100)
	assertClose(t, "VAL", va.VAL, 95, 0)
	assertClose(t, "VAH", va.VAH, 104, 0)
}

func TestValueArea_CoverageAndTightness(t *testing.T) {
	// unimodal: volumes fall away from 105 on both sides
	rows := map[float64]float64{}
	for i := 0; i <= 10; i++ {
		price := 100 + float64(i)
		rows[price] = 50 - 4*math.Abs(price-105) + 0.5*float64(i%2)
	}
	p := profileOf(rows)

	for _, pct := range []float64{10, 30, 50, 70, 90} {
		va := CalculateValueArea(p, pct)
		target := p.Total() * pct / 100
		inside := va.Contains(p)
		if inside < target {
			t.Errorf("pct %v: coverage %v below target %v", pct, inside, target)
		}
		if va.VAL < va.VAH {
			lowEdge := p.Volume(va.VAL)
			highEdge := p.Volume(va.VAH)
			if inside-math.Min(lowEdge, highEdge) >= target {
				t.Errorf("pct %v: [%v,%v] not tight", pct, va.VAL, va.VAH)
			}
		}
	}
}

// ────────────────────────────────────────────────────────────
// VolumeProfile
// ────────────────────────────────────────────────────────────

func TestVolumeProfile_Scenario(t *testing.T) {
	vp := mustProfile(t, ProfileConfig{Period: PeriodSession, RowSize: 1, ValueAreaPct: 70})

	vp.Update(profileBar(t0, 100, 100, 10))
	row := vp.Update(profileBar(t0.Add(time.Minute), 100, 101, 20))

	// bar 2 is still pending; only bar 1 is committed
	committed := vp.Committed()
	assertClose(t, "committed total before bar 3", committed.Total(), 10, 1e-12)
	assertClose(t, "display POC", row.POC, 100, 0)

	vp.Update(profileBar(t0.Add(2*time.Minute), 90, 90, 1))
	committed = vp.Committed()
	assertClose(t, "row 100", committed.Volume(100), 20, 1e-12)
	assertClose(t, "row 101", committed.Volume(101), 10, 1e-12)
	assertClose(t, "committed POC", vp.CommittedValueArea().POC, 100, 0)
}

func TestVolumeProfile_DupColumns(t *testing.T) {
	vp := mustProfile(t, DefaultProfileConfig())
	row := vp.Update(profileBar(t0, 100, 104, 50))
	if row.VALDup != row.VAL || row.VAHDup != row.VAH {
		t.Errorf("dup columns differ: %+v", row)
	}
}

func TestVolumeProfile_RevisionReplacesPending(t *testing.T) {
	cfg := ProfileConfig{Period: PeriodSession, RowSize: 1, ValueAreaPct: 70}
	revised := mustProfile(t, cfg)
	once := mustProfile(t, cfg)

	for _, vp := range []*VolumeProfile{revised, once} {
		vp.Update(profileBar(t0, 100, 102, 30))
	}
	revised.Update(profileBar(t0.Add(time.Minute), 110, 110, 500))
	revised.Update(profileBar(t0.Add(time.Minute), 104, 106, 900))
	got := revised.Update(profileBar(t0.Add(time.Minute), 101, 101, 5))
	want := once.Update(profileBar(t0.Add(time.Minute), 101, 101, 5))

	if got != want {
		t.Errorf("revision: got %+v, want %+v", got, want)
	}
	assertClose(t, "committed total", revised.Committed().Total(), 30, 1e-12)
}

func TestVolumeProfile_PeriodBoundaryReset(t *testing.T) {
	vp := mustProfile(t, ProfileConfig{Period: PeriodSession, RowSize: 1, ValueAreaPct: 70})
	day1 := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)

	vp.Update(profileBar(day1, 100, 100, 40))
	vp.Update(profileBar(day1.Add(time.Hour), 101, 101, 10))
	row := vp.Update(profileBar(day2, 200, 200, 5))

	fin := vp.Finalized()
	if len(fin) != 1 {
		t.Fatalf("finalized: got %d, want 1", len(fin))
	}
	if fin[0].ID != "2024-3-15" {
		t.Errorf("ID: got %q", fin[0].ID)
	}
	assertClose(t, "day1 POC", fin[0].ValueArea.POC, 100, 0)
	assertClose(t, "day1 total", fin[0].TotalVolume, 50, 1e-12)
	if fin[0].Bars != 2 {
		t.Errorf("day1 bars: got %d, want 2", fin[0].Bars)
	}
	if !fin[0].Start.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day1 start: got %v", fin[0].Start)
	}

	if vp.PeriodID() != "2024-3-16" {
		t.Errorf("PeriodID: got %q", vp.PeriodID())
	}
	if vp.Committed().Len() != 0 {
		t.Error("day2 committed should be empty while its first bar is pending")
	}
	assertClose(t, "day2 POC", row.POC, 200, 0)
}

func TestVolumeProfile_VolumeConservation(t *testing.T) {
	vp := mustProfile(t, ProfileConfig{Period: PeriodSession, RowSize: 0.5, ValueAreaPct: 70})
	var sum float64
	for i := 0; i < 300; i++ {
		low := 100 + float64(i%17)*0.3
		high := low + float64(i%5)*0.7
		vol := 1 + float64(i%11)
		sum += vol
		vp.Update(profileBar(t0.Add(time.Duration(i)*time.Minute), low, high, vol))
	}
	s, ok := vp.Flush()
	if !ok {
		t.Fatal("Flush reported nothing open")
	}
	assertClose(t, "total", s.TotalVolume, sum, 1e-9)
	var levels float64
	for _, lv := range s.Levels {
		levels += lv.Volume
	}
	assertClose(t, "sum of levels", levels, sum, 1e-9)
}

func TestVolumeProfile_GuardSkipsBadBars(t *testing.T) {
	vp := mustProfile(t, DefaultProfileConfig())
	good := vp.Update(profileBar(t0, 100, 102, 30))

	bad := []model.Bar{
		profileBar(t0.Add(time.Minute), 100, 102, 0),
		profileBar(t0.Add(time.Minute), 100, 102, -5),
		profileBar(t0.Add(time.Minute), 100, 102, math.NaN()),
		profileBar(t0.Add(time.Minute), math.NaN(), 102, 10),
		profileBar(t0.Add(time.Minute), 100, math.Inf(1), 10),
	}
	for i, b := range bad {
		if got := vp.Update(b); got != good {
			t.Errorf("bad bar %d: got %+v, want %+v", i, got, good)
		}
	}
	if vp.Committed().Len() != 0 {
		t.Error("bad bars must not commit the pending bar")
	}
	assertClose(t, "display POC", vp.DisplayValueArea().POC, good.POC, 0)
}

func TestVolumeProfile_NaNBeforeFirstValidBar(t *testing.T) {
	vp := mustProfile(t, DefaultProfileConfig())
	row := vp.Update(profileBar(t0, 100, 101, 0))
	if !math.IsNaN(row.POC) || !math.IsNaN(row.VAHDup) {
		t.Errorf("want NaN row, got %+v", row)
	}
}

func TestVolumeProfile_PeekDoesNotMutate(t *testing.T) {
	vp := mustProfile(t, DefaultProfileConfig())
	vp.Update(profileBar(t0, 100, 100, 10))
	vp.Update(profileBar(t0.Add(time.Minute), 101, 103, 30))

	next := profileBar(t0.Add(2*time.Minute), 103, 103, 80)
	peeked := vp.Peek(next)
	if vp.Committed().Total() != 10 {
		t.Fatal("Peek committed the pending bar")
	}
	if got := vp.Update(next); got != peeked {
		t.Errorf("Update after Peek: got %+v, want %+v", got, peeked)
	}

	// across a period boundary
	tomorrow := profileBar(t0.Add(24*time.Hour), 50, 50, 1)
	peeked = vp.Peek(tomorrow)
	if len(vp.Finalized()) != 0 {
		t.Fatal("Peek finalized the period")
	}
	if got := vp.Update(tomorrow); got != peeked {
		t.Errorf("boundary Update after Peek: got %+v, want %+v", got, peeked)
	}
}

func TestVolumeProfile_WeekAndMonth(t *testing.T) {
	week := mustProfile(t, ProfileConfig{Period: PeriodWeek, RowSize: 1, ValueAreaPct: 70})
	month := mustProfile(t, ProfileConfig{Period: PeriodMonth, RowSize: 1, ValueAreaPct: 70})

	// Fri 2024-03-15, Sat 03-16, Mon 03-18, Mon 04-01
	days := []time.Time{
		time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 18, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, d := range days {
		week.Update(profileBar(d, 100, 100, 1))
		month.Update(profileBar(d, 100, 100, 1))
	}
	// week changes on 03-18 and on 04-01
	if n := len(week.Finalized()); n != 2 {
		t.Errorf("week finalized: got %d, want 2", n)
	}
	if n := len(month.Finalized()); n != 1 {
		t.Errorf("month finalized: got %d, want 1", n)
	}
	if id := month.Finalized()[0].ID; id != "2024-M3" {
		t.Errorf("month ID: got %q", id)
	}
}

func TestProfileConfig_Validate(t *testing.T) {
	bad := []ProfileConfig{
		{Period: Period(7), RowSize: 1, ValueAreaPct: 70},
		{Period: PeriodSession, RowSize: 0, ValueAreaPct: 70},
		{Period: PeriodSession, RowSize: 1001, ValueAreaPct: 70},
		{Period: PeriodSession, RowSize: math.NaN(), ValueAreaPct: 70},
		{Period: PeriodSession, RowSize: 1, ValueAreaPct: 9},
		{Period: PeriodSession, RowSize: 1, ValueAreaPct: 101},
	}
	for i, c := range bad {
		if _, err := NewVolumeProfile(c); err == nil {
			t.Errorf("case %d: accepted %+v", i, c)
		}
	}
	if err := DefaultProfileConfig().Validate(); err != nil {
		t.Errorf("default: %v", err)
	}
}

func TestValueArea_JSONNullForEmpty(t *testing.T) {
	data, err := json.Marshal(NaNValueArea())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"poc":null,"val":null,"vah":null}` {
		t.Errorf("got %s", data)
	}
	var back ValueArea
	if err := json.Unmarshal([]byte(`{"poc":100,"val":null,"vah":101}`), &back); err != nil {
		t.Fatal(err)
	}
	if back.POC != 100 || !math.IsNaN(back.VAL) || back.VAH != 101 {
		t.Errorf("decoded %+v", back)
	}
}
