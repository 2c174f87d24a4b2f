package main

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseBars(t *testing.T) {
	in := `time,open,high,low,close,volume
2024-03-15T09:15:00Z,100,101,99,100.5,1200
1710494160, 100.5, 102, 100, 101.5, 800
`
	bars, err := parseBars(strings.NewReader(in), "NIFTY", 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	want0 := time.Date(2024, 3, 15, 9, 15, 0, 0, time.UTC)
	if !bars[0].Time.Equal(want0) || bars[0].Close != 100.5 || bars[0].Volume != 1200 {
		t.Errorf("bar 0 = %+v", bars[0])
	}
	if !bars[1].Time.Equal(want0.Add(time.Minute)) || bars[1].High != 102 {
		t.Errorf("bar 1 = %+v", bars[1])
	}
	if bars[1].Symbol != "NIFTY" || bars[1].TF != 60 {
		t.Errorf("bar 1 instrument = %s:%d", bars[1].Symbol, bars[1].TF)
	}
}

func TestParseBars_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad_time_after_header", "time,o,h,l,c,v\nyesterday,1,1,1,1,1\n"},
		{"bad_price", "1710494100,1,x,1,1,1\n"},
		{"short_record", "1710494100,1,1,1,1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseBars(strings.NewReader(tt.in), "X", 60); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseBars_NaNCell(t *testing.T) {
	bars, err := parseBars(strings.NewReader("1710494100,1,1,1,1,NaN\n1710494160,2,2,2,2,5\n"), "X", 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 || !math.IsNaN(bars[0].Volume) || bars[1].Volume != 5 {
		t.Errorf("bars = %+v", bars)
	}
}
