package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKind_SharesIdentifier(t *testing.T) {
	cases := map[Kind]bool{
		KindLANPing: true,
		KindPing:    true,
		KindDNS:     false,
		KindTCP:     false,
		KindHTTP:    false,
	}
	for k, want := range cases {
		if got := k.SharesIdentifier(); got != want {
			t.Fatalf("%s.SharesIdentifier()=%v want %v", k, got, want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(true) != StatusUp || StatusOf(false) != StatusDown {
		t.Fatalf("unexpected StatusOf mapping")
	}
}

func TestSample_DownHasNullLatency(t *testing.T) {
	s := Sample{
		TargetID:  TargetID("192.168.1.1"),
		Timestamp: time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC),
		Up:        false,
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := raw["latency_ms"]; !ok || v != nil {
		t.Fatalf("want latency_ms null for a down sample, got %v (present=%v)", v, ok)
	}
}
