package repo

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// ErrDuplicateSample is returned when a round contains a sample whose
// (target, timestamp) key is already stored. The whole round is rejected.
var ErrDuplicateSample = errors.New("repo: duplicate sample key")

// Ports (interfaces). The poll loop owns the RoundWriter; readers use
// SampleReader and never block the writer.

type RoundWriter interface {
	// CommitRound stores every sample of r in one transaction and, in the
	// same transaction, deletes samples older than pruneBefore (zero skips
	// pruning). On error nothing of r is visible.
	CommitRound(ctx context.Context, r domain.Round, pruneBefore time.Time) error
}

type SampleReader interface {
	// WindowAggregates computes counts and latency extremes for every window
	// ending at now in a single query. Results follow the order of windows.
	WindowAggregates(ctx context.Context, id domain.TargetID, now time.Time, windows []time.Duration) ([]Aggregate, error)
	// TrailingRun returns the run of samples sharing the newest status.
	// ok is false when the target has no samples.
	TrailingRun(ctx context.Context, id domain.TargetID) (run domain.Run, ok bool, err error)
	// Recent returns up to limit samples, newest first.
	Recent(ctx context.Context, id domain.TargetID, limit int) ([]domain.Sample, error)
	// LastGeneration returns the highest stored round generation, 0 when
	// nothing is stored.
	LastGeneration(ctx context.Context) (uint64, error)
}

// Store is what a storage adapter provides.
type Store interface {
	RoundWriter
	SampleReader
	Close() error
}

// Aggregate is the raw per-window result. Latency fields are nil when the
// window has no successful sample.
type Aggregate struct {
	Window time.Duration
	Total  int
	Up     int
	AvgMS  *float64
	MinMS  *float64
	MaxMS  *float64
}
