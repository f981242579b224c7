package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

var (
	// ErrTimeout is reported when a check does not finish within its bound.
	ErrTimeout = errors.New("probe: timed out")
	// ErrMalformed is reported for replies that cannot be parsed or do not
	// belong to the request.
	ErrMalformed = errors.New("probe: malformed response")
)

// Outcome is the unified result of a single probe.
//
// Latency is meaningful only when Up is true. Err carries the failure reason
// for logging; it never escapes the scheduler.
type Outcome struct {
	Up       bool
	Latency  time.Duration
	Resolved string
	Err      error
}

// LatencyMS returns the latency in milliseconds, or nil for a failed probe.
func (o Outcome) LatencyMS() *float64 {
	if !o.Up {
		return nil
	}
	ms := float64(o.Latency) / float64(time.Millisecond)
	return &ms
}

func down(err error, resolved string) Outcome {
	return Outcome{Err: err, Resolved: resolved}
}

// Checker probes one target. Network failures resolve to Up=false; a Checker
// never returns an error value.
type Checker interface {
	Probe(ctx context.Context, t domain.Target) Outcome
}

// Set dispatches a probe to the checker registered for the target's kind.
type Set map[domain.Kind]Checker

func (s Set) Probe(ctx context.Context, t domain.Target) Outcome {
	c, ok := s[t.Kind]
	if !ok || c == nil {
		return down(fmt.Errorf("probe: no checker for kind %q", t.Kind), "")
	}
	return c.Probe(ctx, t)
}

// Covers returns an error naming the first target whose kind has no checker.
func (s Set) Covers(targets []domain.Target) error {
	for _, t := range targets {
		if c, ok := s[t.Kind]; !ok || c == nil {
			return fmt.Errorf("no checker for %s (kind %q)", t.ID, t.Kind)
		}
	}
	return nil
}

// deadline returns the context deadline or now+fallback.
func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	if fallback <= 0 {
		fallback = 2 * time.Second
	}
	return time.Now().Add(fallback)
}
