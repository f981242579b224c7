package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/probe"
	"github.com/hamed0406/lanwatch/internal/state"
)

// --- fakes ---

type fakeWriter struct {
	mu     sync.Mutex
	rounds []domain.Round
	prunes []time.Time
	err    error
}

func (f *fakeWriter) CommitRound(ctx context.Context, r domain.Round, pruneBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rounds = append(f.rounds, r)
	f.prunes = append(f.prunes, pruneBefore)
	return nil
}

func (f *fakeWriter) committed() []domain.Round {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Round(nil), f.rounds...)
}

// recorder tracks which checks are in flight at the same time.
type recorder struct {
	mu       sync.Mutex
	delay    time.Duration
	up       map[domain.TargetID]bool
	ids      probe.IDGenerator
	inflight map[domain.TargetID]domain.Target
	order    []domain.TargetID

	maxSharing int
	maxAll     int
	idClash    bool
	mixed      bool
}

func newRecorder(delay time.Duration) *recorder {
	return &recorder{
		delay:    delay,
		up:       map[domain.TargetID]bool{},
		ids:      probe.IndexIDs{Base: 0xAB},
		inflight: map[domain.TargetID]domain.Target{},
	}
}

func (r *recorder) Probe(ctx context.Context, t domain.Target) probe.Outcome {
	r.mu.Lock()
	r.inflight[t.ID] = t
	r.order = append(r.order, t.ID)
	sharing, seen := 0, map[uint16]bool{}
	for _, x := range r.inflight {
		if x.Kind.SharesIdentifier() {
			sharing++
			id := r.ids.ID(x.Index)
			if seen[id] {
				r.idClash = true
			}
			seen[id] = true
		}
	}
	if sharing > 0 && len(r.inflight) > sharing {
		r.mixed = true
	}
	if sharing > r.maxSharing {
		r.maxSharing = sharing
	}
	if len(r.inflight) > r.maxAll {
		r.maxAll = len(r.inflight)
	}
	up, ok := r.up[t.ID]
	r.mu.Unlock()

	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}

	r.mu.Lock()
	delete(r.inflight, t.ID)
	r.mu.Unlock()

	if ok && !up {
		return probe.Outcome{Err: errors.New("unreachable")}
	}
	return probe.Outcome{Up: true, Latency: r.delay}
}

type hang struct{}

func (hang) Probe(ctx context.Context, t domain.Target) probe.Outcome {
	select {} // ignores ctx on purpose
}

func targets() []domain.Target {
	kinds := []domain.Kind{
		domain.KindLANPing, domain.KindTCP, domain.KindLANPing, domain.KindDNS,
		domain.KindPing, domain.KindTCP, domain.KindHTTP, domain.KindLANPing,
		domain.KindTCP, domain.KindPing, domain.KindDNS,
	}
	out := make([]domain.Target, len(kinds))
	for i, k := range kinds {
		out[i] = domain.Target{
			ID:      domain.TargetID(string(k) + "-" + string(rune('a'+i))),
			Index:   i,
			Label:   "T" + string(rune('A'+i)),
			Kind:    k,
			Timeout: time.Second,
		}
	}
	return out
}

func ids(ts []domain.Target) []domain.TargetID {
	out := make([]domain.TargetID, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

// --- tests ---

func TestRunRound_OneSamplePerTargetAndStateUpdated(t *testing.T) {
	ts := targets()
	rec := newRecorder(time.Millisecond)
	rec.up[ts[1].ID] = false
	w := &fakeWriter{}
	tr := state.New(ids(ts))

	s := New(zap.NewNop(), ts, rec, w, tr, Config{Interval: time.Minute, Retention: 7 * 24 * time.Hour})
	var got []domain.Transition
	s.OnTransition(func(x domain.Transition) { got = append(got, x) })

	round, ok := s.RunRound(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(1), round.Generation)
	require.Len(t, round.Samples, len(ts))

	seen := map[domain.TargetID]int{}
	for i, smp := range round.Samples {
		seen[smp.TargetID]++
		assert.Equal(t, ts[i].ID, smp.TargetID)
		if smp.Up {
			assert.NotNil(t, smp.LatencyMS)
		} else {
			assert.Nil(t, smp.LatencyMS)
		}
	}
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}

	rounds := w.committed()
	require.Len(t, rounds, 1)
	assert.Equal(t, round.FinishedAt.Add(-7*24*time.Hour), w.prunes[0])

	h := tr.Health()
	assert.Equal(t, len(ts)-1, h.Up)
	assert.Equal(t, 1, h.Down)
	assert.Equal(t, uint64(1), h.Generation)

	// every target goes Unknown -> observed
	require.Len(t, got, len(ts))
	assert.Equal(t, ts[0].Label, got[0].Label)
	assert.Equal(t, PhaseIdle, s.Phase())

	// unchanged statuses fire nothing
	got = nil
	_, ok = s.RunRound(context.Background())
	require.True(t, ok)
	assert.Empty(t, got)
	assert.Equal(t, uint64(2), s.Generation())
}

func TestRunRound_SequentialByDefault(t *testing.T) {
	ts := targets()
	rec := newRecorder(2 * time.Millisecond)
	s := New(zap.NewNop(), ts, rec, &fakeWriter{}, state.New(ids(ts)), Config{Interval: time.Minute})

	_, ok := s.RunRound(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, rec.maxAll)
	assert.Equal(t, ids(ts), rec.order)
}

func TestRunRound_IdentifierChecksNeverOverlap(t *testing.T) {
	ts := targets()
	rec := newRecorder(5 * time.Millisecond)
	s := New(zap.NewNop(), ts, rec, &fakeWriter{}, state.New(ids(ts)), Config{
		Interval:      time.Minute,
		MaxConcurrent: 3,
		Stagger:       time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		_, ok := s.RunRound(context.Background())
		require.True(t, ok)
	}

	assert.Equal(t, 1, rec.maxSharing)
	assert.False(t, rec.mixed, "identifier check overlapped another check")
	assert.False(t, rec.idClash)
	assert.LessOrEqual(t, rec.maxAll, 3)
	assert.Greater(t, rec.maxAll, 1, "parallel class should overlap")

	// identifier-sharing checks run first, in registry order
	var sharing []domain.TargetID
	for _, tg := range ts {
		if tg.Kind.SharesIdentifier() {
			sharing = append(sharing, tg.ID)
		}
	}
	assert.Equal(t, sharing, rec.order[:len(sharing)])
}

func TestRunRound_HungCheckIsBoundedAndDown(t *testing.T) {
	ts := []domain.Target{{ID: "192.0.2.1", Kind: domain.KindLANPing, Timeout: 50 * time.Millisecond}}
	w := &fakeWriter{}
	s := New(zap.NewNop(), ts, hang{}, w, state.New(ids(ts)), Config{Interval: time.Minute})

	start := time.Now()
	round, ok := s.RunRound(context.Background())
	require.True(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, round.Samples[0].Up)
	assert.Nil(t, round.Samples[0].LatencyMS)
}

func TestRunRound_PersistFailureStillUpdatesState(t *testing.T) {
	ts := targets()[:2]
	rec := newRecorder(0)
	w := &fakeWriter{err: errors.New("database is locked")}
	tr := state.New(ids(ts))
	s := New(zap.NewNop(), ts, rec, w, tr, Config{Interval: time.Minute})

	var fired int
	s.OnTransition(func(domain.Transition) { fired++ })

	for i := 0; i < state.DegradedAfter; i++ {
		_, ok := s.RunRound(context.Background())
		require.True(t, ok)
	}
	assert.Empty(t, w.committed())
	assert.Equal(t, 2, fired)

	h := tr.Health()
	assert.Equal(t, 2, h.Up)
	assert.Equal(t, uint64(state.DegradedAfter), h.Generation)
	assert.True(t, h.Degraded)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	_, ok := s.RunRound(context.Background())
	require.True(t, ok)
	assert.False(t, tr.Health().Degraded)
	assert.Len(t, w.committed(), 1)
}

func TestRunRound_TimestampsStrictlyIncrease(t *testing.T) {
	ts := targets()[:3]
	w := &fakeWriter{}
	s := New(zap.NewNop(), ts, newRecorder(0), w, state.New(ids(ts)), Config{Interval: time.Minute})
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	for i := 0; i < 5; i++ {
		_, ok := s.RunRound(context.Background())
		require.True(t, ok)
	}
	last := map[domain.TargetID]time.Time{}
	for _, r := range w.committed() {
		for _, smp := range r.Samples {
			if prev, ok := last[smp.TargetID]; ok {
				assert.True(t, smp.Timestamp.After(prev), "%s not increasing", smp.TargetID)
			}
			last[smp.TargetID] = smp.Timestamp
		}
	}
	assert.Equal(t, frozen.Add(4*time.Millisecond), last[ts[0].ID])
}

func TestRunRound_ContinuesAfterRestoredHistory(t *testing.T) {
	ts := targets()[:1]
	tr := state.New(ids(ts))
	future := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	tr.Restore(17, map[domain.TargetID]domain.Run{ts[0].ID: {Up: true, Length: 2, Start: future, Last: future}})

	w := &fakeWriter{}
	s := New(zap.NewNop(), ts, newRecorder(0), w, tr, Config{Interval: time.Minute})
	round, ok := s.RunRound(context.Background())
	require.True(t, ok)
	assert.True(t, round.Samples[0].Timestamp.After(future))
	assert.Equal(t, uint64(18), round.Generation, "numbering continues after stored rounds")
	assert.Equal(t, uint64(18), round.Samples[0].Generation)

	st, _ := tr.Status(ts[0].ID)
	assert.Equal(t, 3, st.Streak)
}

func TestRunRound_CancelledRoundIsDiscarded(t *testing.T) {
	ts := targets()
	w := &fakeWriter{}
	s := New(zap.NewNop(), ts, newRecorder(20*time.Millisecond), w, state.New(ids(ts)), Config{Interval: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := s.RunRound(ctx)
	assert.False(t, ok)
	assert.Empty(t, w.committed())
	assert.Zero(t, s.Generation())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	ts := targets()[:2]
	w := &fakeWriter{}
	s := New(zap.NewNop(), ts, newRecorder(0), w, state.New(ids(ts)), Config{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(w.committed()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	var prev uint64
	for _, r := range w.committed() {
		assert.Greater(t, r.Generation, prev)
		prev = r.Generation
	}
}
