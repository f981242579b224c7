package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/repo"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func lat(v float64) *float64 { return &v }

func commit(t *testing.T, s *Store, gen uint64, samples ...domain.Sample) {
	t.Helper()
	if err := s.CommitRound(context.Background(), domain.Round{Generation: gen, Samples: samples}, time.Time{}); err != nil {
		t.Fatalf("CommitRound: %v", err)
	}
}

func TestMemoryStore_WindowAggregates(t *testing.T) {
	s := New()
	ups := []bool{true, true, false, true}
	for i, up := range ups {
		smp := domain.Sample{TargetID: "gw", Timestamp: base.Add(time.Duration(i) * 15 * time.Minute), Up: up}
		if up {
			smp.LatencyMS = lat(float64(10 * (i + 1)))
		}
		commit(t, s, uint64(i+1), smp)
	}

	now := base.Add(46 * time.Minute)
	aggs, err := s.WindowAggregates(context.Background(), "gw", now, []time.Duration{time.Hour, time.Minute})
	if err != nil {
		t.Fatalf("WindowAggregates: %v", err)
	}
	h := aggs[0]
	if h.Total != 4 || h.Up != 3 {
		t.Fatalf("1h: want 3/4, got %d/%d", h.Up, h.Total)
	}
	if *h.MinMS != 10 || *h.MaxMS != 40 {
		t.Fatalf("1h: min/max = %v/%v", *h.MinMS, *h.MaxMS)
	}
	if *h.AvgMS != (10.0+20+40)/3 {
		t.Fatalf("1h: avg = %v", *h.AvgMS)
	}
	if aggs[1].Total != 0 || aggs[1].AvgMS != nil {
		t.Fatalf("1m: want empty, got %+v", aggs[1])
	}
}

func TestMemoryStore_RejectsNonIncreasingTimestamp(t *testing.T) {
	s := New()
	commit(t, s, 1, domain.Sample{TargetID: "gw", Timestamp: base, Up: true})

	err := s.CommitRound(context.Background(), domain.Round{Generation: 2, Samples: []domain.Sample{
		{TargetID: "svc:DNS", Timestamp: base, Up: true},
		{TargetID: "gw", Timestamp: base, Up: false},
	}}, time.Time{})
	if !errors.Is(err, repo.ErrDuplicateSample) {
		t.Fatalf("want ErrDuplicateSample, got %v", err)
	}
	got, _ := s.Recent(context.Background(), "svc:DNS", 10)
	if len(got) != 0 {
		t.Fatalf("rejected round leaked %d samples", len(got))
	}
}

func TestMemoryStore_PruneAndTrailingRun(t *testing.T) {
	s := New()
	for i, up := range []bool{true, false, true, false, false, false} {
		commit(t, s, uint64(i+1), domain.Sample{TargetID: "gw", Timestamp: base.Add(time.Duration(i) * 24 * time.Hour), Up: up})
	}

	run, ok, err := s.TrailingRun(context.Background(), "gw")
	if err != nil || !ok {
		t.Fatalf("TrailingRun: ok=%v err=%v", ok, err)
	}
	if run.Up || run.Length != 3 || !run.Start.Equal(base.Add(72*time.Hour)) {
		t.Fatalf("unexpected run %+v", run)
	}

	cutoff := base.Add(3 * 24 * time.Hour)
	if err := s.CommitRound(context.Background(), domain.Round{Generation: 7}, cutoff); err != nil {
		t.Fatalf("prune: %v", err)
	}
	rest, _ := s.Recent(context.Background(), "gw", 0)
	if len(rest) != 3 {
		t.Fatalf("want 3 samples after prune, got %d", len(rest))
	}
	for _, smp := range rest {
		if smp.Timestamp.Before(cutoff) {
			t.Fatalf("sample %s survived prune", smp.Timestamp)
		}
	}
	if !rest[0].Timestamp.After(rest[1].Timestamp) {
		t.Fatalf("Recent must be newest first")
	}

	if _, ok, _ := s.TrailingRun(context.Background(), "nope"); ok {
		t.Fatalf("unknown target must report ok=false")
	}
}

func TestMemoryStore_LastGeneration(t *testing.T) {
	s := New()
	if gen, _ := s.LastGeneration(context.Background()); gen != 0 {
		t.Fatalf("empty store generation = %d", gen)
	}
	commit(t, s, 4, domain.Sample{TargetID: "gw", Timestamp: base, Up: true})
	commit(t, s, 5, domain.Sample{TargetID: "gw", Timestamp: base.Add(time.Minute), Up: true})

	// a rejected round must not move the generation
	_ = s.CommitRound(context.Background(), domain.Round{Generation: 9, Samples: []domain.Sample{
		{TargetID: "gw", Timestamp: base, Up: false},
	}}, time.Time{})

	if gen, _ := s.LastGeneration(context.Background()); gen != 5 {
		t.Fatalf("want generation 5, got %d", gen)
	}
}
