package probe

import (
	"context"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// Bounded runs c against t and returns no later than timeout after the call,
// whatever the underlying protocol library does. A probe still running at the
// bound is abandoned and reported as ErrTimeout; its context is cancelled so
// it releases its socket promptly.
func Bounded(ctx context.Context, c Checker, t domain.Target, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = t.Timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() { done <- c.Probe(cctx, t) }()

	select {
	case o := <-done:
		return o
	case <-cctx.Done():
		return down(ErrTimeout, "")
	}
}
