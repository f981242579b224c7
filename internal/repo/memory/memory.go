package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/repo"
)

// Store keeps samples in process memory. It is used for ephemeral runs and
// tests; nothing survives a restart.
type Store struct {
	mu      sync.RWMutex
	samples map[domain.TargetID][]domain.Sample // ascending by timestamp
	lastGen uint64
}

func New() *Store {
	return &Store{samples: make(map[domain.TargetID][]domain.Sample)}
}

func (m *Store) CommitRound(ctx context.Context, r domain.Round, pruneBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate first so a rejected round leaves nothing behind
	last := make(map[domain.TargetID]time.Time, len(r.Samples))
	for _, s := range r.Samples {
		prev, ok := last[s.TargetID]
		if !ok {
			if cur := m.samples[s.TargetID]; len(cur) > 0 {
				prev, ok = cur[len(cur)-1].Timestamp, true
			}
		}
		if ok && !s.Timestamp.After(prev) {
			return fmt.Errorf("%w: %s at %s", repo.ErrDuplicateSample, s.TargetID, s.Timestamp.Format(time.RFC3339Nano))
		}
		last[s.TargetID] = s.Timestamp
	}

	for _, s := range r.Samples {
		m.samples[s.TargetID] = append(m.samples[s.TargetID], s)
	}
	if len(r.Samples) > 0 && r.Generation > m.lastGen {
		m.lastGen = r.Generation
	}
	if !pruneBefore.IsZero() {
		for id, ss := range m.samples {
			i := sort.Search(len(ss), func(i int) bool { return !ss[i].Timestamp.Before(pruneBefore) })
			if i > 0 {
				m.samples[id] = append([]domain.Sample(nil), ss[i:]...)
			}
		}
	}
	return nil
}

func (m *Store) WindowAggregates(ctx context.Context, id domain.TargetID, now time.Time, windows []time.Duration) ([]repo.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]repo.Aggregate, len(windows))
	sums := make([]float64, len(windows))
	counts := make([]int, len(windows))
	for i, w := range windows {
		out[i].Window = w
	}
	for _, s := range m.samples[id] {
		for i, w := range windows {
			if !s.Timestamp.After(now.Add(-w)) {
				continue
			}
			a := &out[i]
			a.Total++
			if !s.Up {
				continue
			}
			a.Up++
			if s.LatencyMS == nil {
				continue
			}
			v := *s.LatencyMS
			sums[i] += v
			counts[i]++
			if a.MinMS == nil || v < *a.MinMS {
				a.MinMS = ptr(v)
			}
			if a.MaxMS == nil || v > *a.MaxMS {
				a.MaxMS = ptr(v)
			}
		}
	}
	for i := range out {
		if counts[i] > 0 {
			out[i].AvgMS = ptr(sums[i] / float64(counts[i]))
		}
	}
	return out, nil
}

func (m *Store) TrailingRun(ctx context.Context, id domain.TargetID) (domain.Run, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ss := m.samples[id]
	if len(ss) == 0 {
		return domain.Run{}, false, nil
	}
	last := ss[len(ss)-1]
	run := domain.Run{Up: last.Up, Last: last.Timestamp}
	for i := len(ss) - 1; i >= 0 && ss[i].Up == last.Up; i-- {
		run.Length++
		run.Start = ss[i].Timestamp
	}
	return run, true, nil
}

func (m *Store) Recent(ctx context.Context, id domain.TargetID, limit int) ([]domain.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ss := m.samples[id]
	if limit <= 0 || limit > len(ss) {
		limit = len(ss)
	}
	out := make([]domain.Sample, 0, limit)
	for i := len(ss) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ss[i])
	}
	return out, nil
}

func (m *Store) LastGeneration(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastGen, nil
}

func (m *Store) Close() error { return nil }

func ptr(v float64) *float64 { return &v }

var _ repo.Store = (*Store)(nil)
