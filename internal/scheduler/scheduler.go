package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/probe"
	"github.com/hamed0406/lanwatch/internal/repo"
	"github.com/hamed0406/lanwatch/internal/state"
)

// Phase is the scheduler's position in the Idle → Running → Committing cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseCommitting:
		return "committing"
	default:
		return "idle"
	}
}

const commitTimeout = 10 * time.Second

// Listener receives status transitions on the poll loop. It must not block.
type Listener func(domain.Transition)

type Config struct {
	Interval time.Duration
	// Retention is the sample horizon; zero disables pruning.
	Retention time.Duration
	// MaxConcurrent > 1 lets checks that do not share an identifier run
	// in parallel after the sequential class.
	MaxConcurrent int
	// Stagger spaces out the starts of parallel checks.
	Stagger time.Duration
}

// Scheduler owns the poll loop, the write side of the store and the state
// tracker. Exactly one round is in flight at a time.
type Scheduler struct {
	log     *zap.Logger
	targets []domain.Target
	checker probe.Checker
	writer  repo.RoundWriter
	tracker *state.Tracker
	cfg     Config
	now     func() time.Time

	phase atomic.Int32
	gen   atomic.Uint64

	// last stamped timestamp per target; poll loop only
	lastTS map[domain.TargetID]time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func New(
	log *zap.Logger,
	targets []domain.Target,
	checker probe.Checker,
	writer repo.RoundWriter,
	tracker *state.Tracker,
	cfg Config,
) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	s := &Scheduler{
		log:     log,
		targets: append([]domain.Target(nil), targets...),
		checker: checker,
		writer:  writer,
		tracker: tracker,
		cfg:     cfg,
		now:     time.Now,
		lastTS:  make(map[domain.TargetID]time.Time, len(targets)),
	}
	// continue after restored history so keys stay increasing
	snap := tracker.Snapshot()
	for id, st := range snap.States {
		if !st.LastSeen.IsZero() {
			s.lastTS[id] = st.LastSeen
		}
	}
	s.gen.Store(snap.Generation)
	return s
}

// OnTransition registers a listener.
func (s *Scheduler) OnTransition(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Scheduler) Generation() uint64 { return s.gen.Load() }

// Run does an immediate round, then one per tick, until ctx is cancelled.
// A round that overruns the interval delays the next tick; missed ticks are
// dropped, not queued.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Interval == 0 {
		s.log.Info("scheduler_disabled")
		return
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.log.Info("scheduler_started",
		zap.Int("targets", len(s.targets)),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
	s.RunRound(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler_stopped", zap.Uint64("generation", s.gen.Load()))
			return
		case <-t.C:
			s.RunRound(ctx)
		}
	}
}

// RunRound probes every target once, commits the round and updates the
// tracker. It returns false when ctx was cancelled before the round
// completed; such a round is discarded whole.
func (s *Scheduler) RunRound(ctx context.Context) (domain.Round, bool) {
	s.phase.Store(int32(PhaseRunning))
	defer s.phase.Store(int32(PhaseIdle))

	gen := s.gen.Load() + 1
	round := domain.Round{Generation: gen, StartedAt: s.now().UTC()}

	outcomes := make([]probe.Outcome, len(s.targets))
	done := make([]time.Time, len(s.targets))

	var parallel []int
	for i, t := range s.targets {
		if s.cfg.MaxConcurrent > 1 && !t.Kind.SharesIdentifier() {
			parallel = append(parallel, i)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		outcomes[i], done[i] = s.check(ctx, t)
	}
	if len(parallel) > 0 && ctx.Err() == nil {
		s.runParallel(ctx, parallel, outcomes, done)
	}
	if ctx.Err() != nil {
		s.log.Info("round_abandoned", zap.Uint64("generation", gen))
		return domain.Round{}, false
	}

	round.Samples = make([]domain.Sample, len(s.targets))
	for i, t := range s.targets {
		round.Samples[i] = domain.Sample{
			TargetID:   t.ID,
			Timestamp:  s.stamp(t.ID, done[i]),
			Up:         outcomes[i].Up,
			LatencyMS:  outcomes[i].LatencyMS(),
			Resolved:   outcomes[i].Resolved,
			Generation: gen,
		}
	}
	round.FinishedAt = s.now().UTC()
	s.gen.Store(gen)

	s.phase.Store(int32(PhaseCommitting))
	s.commit(ctx, round)

	transitions := s.tracker.Apply(round)
	s.fire(transitions)
	return round, true
}

func (s *Scheduler) check(ctx context.Context, t domain.Target) (probe.Outcome, time.Time) {
	out := probe.Bounded(ctx, s.checker, t, t.Timeout)
	at := s.now()
	if !out.Up {
		s.log.Debug("probe_failed",
			zap.String("target_id", string(t.ID)),
			zap.String("kind", string(t.Kind)),
			zap.Error(out.Err),
		)
	}
	return out, at
}

// runParallel runs the given targets at most MaxConcurrent at a time, the
// n-th starting no earlier than n×Stagger after the batch begins.
func (s *Scheduler) runParallel(ctx context.Context, idx []int, outcomes []probe.Outcome, done []time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	begin := time.Now()

	for n, i := range idx {
		n, i := n, i
		g.Go(func() error {
			if wait := time.Until(begin.Add(time.Duration(n) * s.cfg.Stagger)); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-gctx.Done():
					timer.Stop()
					return gctx.Err()
				case <-timer.C:
				}
			}
			outcomes[i], done[i] = s.check(gctx, s.targets[i])
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) commit(ctx context.Context, round domain.Round) {
	// a finished round is written even if shutdown starts meanwhile
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	var prune time.Time
	if s.cfg.Retention > 0 {
		prune = round.FinishedAt.Add(-s.cfg.Retention)
	}

	start := time.Now()
	err := s.writer.CommitRound(cctx, round, prune)
	s.tracker.RecordPersist(err)
	if err != nil {
		h := s.tracker.Health()
		fields := []zap.Field{
			zap.Uint64("generation", round.Generation),
			zap.Int("consecutive_failures", h.PersistFailures),
			zap.Error(err),
		}
		if h.Degraded {
			s.log.Error("persist_degraded", fields...)
		} else {
			s.log.Warn("persist_failed", fields...)
		}
		return
	}

	up := 0
	for _, smp := range round.Samples {
		if smp.Up {
			up++
		}
	}
	s.log.Debug("round_committed",
		zap.Uint64("generation", round.Generation),
		zap.Int("up", up),
		zap.Int("down", len(round.Samples)-up),
		zap.Duration("round", round.FinishedAt.Sub(round.StartedAt)),
		zap.Duration("commit", time.Since(start)),
	)
}

func (s *Scheduler) fire(transitions []domain.Transition) {
	if len(transitions) == 0 {
		return
	}
	labels := make(map[domain.TargetID]string, len(s.targets))
	for _, t := range s.targets {
		labels[t.ID] = t.Label
	}

	s.mu.RLock()
	ls := s.listeners
	s.mu.RUnlock()

	for _, tr := range transitions {
		tr.Label = labels[tr.TargetID]
		s.log.Info("status_changed",
			zap.String("target_id", string(tr.TargetID)),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.Uint64("generation", tr.Generation),
		)
		for _, l := range ls {
			l(tr)
		}
	}
}

// stamp makes per-target timestamps strictly increasing at millisecond
// resolution, which is what the stores key on.
func (s *Scheduler) stamp(id domain.TargetID, at time.Time) time.Time {
	at = at.UTC().Truncate(time.Millisecond)
	if prev, ok := s.lastTS[id]; ok && !at.After(prev) {
		at = prev.Add(time.Millisecond)
	}
	s.lastTS[id] = at
	return at
}
