package redis

import (
	"testing"
	"time"
)

func TestDecodeBar(t *testing.T) {
	values := map[string]interface{}{
		"data": `{"symbol":"NIFTY","tf":60,"time":"2024-03-15T14:45:00+05:30","open":1,"high":2,"low":0.5,"close":1.5,"volume":100,"forming":true}`,
	}
	b, err := DecodeBar(values)
	if err != nil {
		t.Fatal(err)
	}
	if b.Key() != "NIFTY:60" || !b.Forming || b.Volume != 100 {
		t.Errorf("decoded %+v", b)
	}
	if b.Time.Location() != time.UTC || b.Time.Hour() != 9 || b.Time.Minute() != 15 {
		t.Errorf("time not normalised to UTC: %v", b.Time)
	}
}

func TestDecodeBar_Rejects(t *testing.T) {
	cases := []map[string]interface{}{
		{},
		{"data": 42},
		{"data": "{not json"},
		{"data": `{"symbol":"","tf":60}`},
		{"data": `{"symbol":"NIFTY","tf":0}`},
	}
	for i, values := range cases {
		if _, err := DecodeBar(values); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
