package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/repo"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	store, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store
}

func lat(v float64) *float64 { return &v }

func TestPostgresStore_RoundAggregatesAndRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	// unique target per run so previous runs do not interfere
	id := domain.TargetID(fmt.Sprintf("svc:test-%d", time.Now().UnixNano()))
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	ups := []bool{true, true, false, true}
	for i, up := range ups {
		smp := domain.Sample{TargetID: id, Timestamp: base.Add(time.Duration(i) * 15 * time.Minute), Up: up}
		if up {
			smp.LatencyMS = lat(float64(10 * (i + 1)))
		}
		if err := store.CommitRound(ctx, domain.Round{Generation: uint64(i + 1), Samples: []domain.Sample{smp}}, time.Time{}); err != nil {
			t.Fatalf("CommitRound: %v", err)
		}
	}

	aggs, err := store.WindowAggregates(ctx, id, base.Add(46*time.Minute), []time.Duration{time.Hour})
	if err != nil {
		t.Fatalf("WindowAggregates: %v", err)
	}
	if aggs[0].Total != 4 || aggs[0].Up != 3 {
		t.Fatalf("want 3/4, got %d/%d", aggs[0].Up, aggs[0].Total)
	}
	if aggs[0].MinMS == nil || *aggs[0].MinMS != 10 {
		t.Fatalf("unexpected min %v", aggs[0].MinMS)
	}

	run, ok, err := store.TrailingRun(ctx, id)
	if err != nil || !ok {
		t.Fatalf("TrailingRun ok=%v err=%v", ok, err)
	}
	if !run.Up || run.Length != 1 || !run.Start.Equal(base.Add(45*time.Minute)) {
		t.Fatalf("unexpected run %+v", run)
	}

	if gen, err := store.LastGeneration(ctx); err != nil || gen < 4 {
		t.Fatalf("LastGeneration = %d, %v; want >= 4", gen, err)
	}

	// duplicate key rejects the whole round
	err = store.CommitRound(ctx, domain.Round{Generation: 5, Samples: []domain.Sample{
		{TargetID: id + "-other", Timestamp: base, Up: true},
		{TargetID: id, Timestamp: base, Up: true},
	}}, time.Time{})
	if !errors.Is(err, repo.ErrDuplicateSample) {
		t.Fatalf("want ErrDuplicateSample, got %v", err)
	}
	other, err := store.Recent(ctx, id+"-other", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("rolled-back round left %d rows", len(other))
	}
}
