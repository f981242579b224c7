// Package state holds the process-wide current status of every target.
//
// The Tracker is written only by the poll loop. Readers load an immutable
// Snapshot that is swapped atomically once per round, so they never lock and
// never see a half-applied round.
package state

import (
	"sync/atomic"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// DegradedAfter is the number of consecutive persistence failures after which
// health reports degraded.
const DegradedAfter = 3

// Snapshot is never mutated after it is published.
type Snapshot struct {
	Generation      uint64
	LastRound       time.Time
	States          map[domain.TargetID]domain.StatusState
	Up              int
	Down            int
	PersistFailures int
}

// Health is the summary served to readers without touching the database.
type Health struct {
	LastRound       time.Time `json:"last_round"`
	Up              int       `json:"up"`
	Down            int       `json:"down"`
	Unknown         int       `json:"unknown"`
	Generation      uint64    `json:"generation"`
	PersistFailures int       `json:"persist_failures"`
	Degraded        bool      `json:"degraded"`
}

type Tracker struct {
	snap atomic.Pointer[Snapshot]
}

// New returns a tracker with every target Unknown.
func New(ids []domain.TargetID) *Tracker {
	t := &Tracker{}
	states := make(map[domain.TargetID]domain.StatusState, len(ids))
	for _, id := range ids {
		states[id] = domain.StatusState{Status: domain.StatusUnknown}
	}
	t.snap.Store(&Snapshot{States: states})
	return t
}

// Snapshot returns the current published snapshot. Callers must not modify it.
func (t *Tracker) Snapshot() *Snapshot { return t.snap.Load() }

func (t *Tracker) Status(id domain.TargetID) (domain.StatusState, bool) {
	st, ok := t.snap.Load().States[id]
	return st, ok
}

func (t *Tracker) Health() Health {
	s := t.snap.Load()
	return Health{
		LastRound:       s.LastRound,
		Up:              s.Up,
		Down:            s.Down,
		Unknown:         len(s.States) - s.Up - s.Down,
		Generation:      s.Generation,
		PersistFailures: s.PersistFailures,
		Degraded:        s.PersistFailures >= DegradedAfter,
	}
}

// Apply folds a completed round into a new snapshot and returns the status
// transitions it caused, in sample order.
func (t *Tracker) Apply(r domain.Round) []domain.Transition {
	prev := t.snap.Load()
	next := prev.clone()
	next.Generation = r.Generation
	next.LastRound = r.FinishedAt

	var out []domain.Transition
	for _, s := range r.Samples {
		old, known := next.States[s.TargetID]
		if !known {
			old = domain.StatusState{Status: domain.StatusUnknown}
		}
		cur := domain.StatusOf(s.Up)

		st := old
		if cur != old.Status {
			out = append(out, domain.Transition{
				TargetID:   s.TargetID,
				From:       old.Status,
				To:         cur,
				At:         s.Timestamp,
				Generation: r.Generation,
			})
			st.Status = cur
			st.Streak = 1
			st.StreakStart = s.Timestamp
		} else {
			st.Streak++
		}
		st.LastSeen = s.Timestamp
		st.LatencyMS = s.LatencyMS
		if s.Resolved != "" {
			st.Resolved = s.Resolved
		}
		next.States[s.TargetID] = st
	}
	next.count()
	t.snap.Store(next)
	return out
}

// RecordPersist updates the consecutive persistence failure counter.
func (t *Tracker) RecordPersist(err error) {
	prev := t.snap.Load()
	n := 0
	if err != nil {
		n = prev.PersistFailures + 1
	}
	if n == prev.PersistFailures {
		return
	}
	next := prev.clone()
	next.PersistFailures = n
	t.snap.Store(next)
}

// Restore seeds the tracker from persisted trailing runs and the last
// stored generation, so new rounds continue the numbering. It must be called
// before the poll loop starts.
func (t *Tracker) Restore(gen uint64, runs map[domain.TargetID]domain.Run) {
	next := t.snap.Load().clone()
	if gen > next.Generation {
		next.Generation = gen
	}
	for id, r := range runs {
		if _, ok := next.States[id]; !ok || r.Length == 0 {
			continue
		}
		next.States[id] = domain.StatusState{
			Status:      domain.StatusOf(r.Up),
			Streak:      r.Length,
			StreakStart: r.Start,
			LastSeen:    r.Last,
		}
		if r.Last.After(next.LastRound) {
			next.LastRound = r.Last
		}
	}
	next.count()
	t.snap.Store(next)
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.States = make(map[domain.TargetID]domain.StatusState, len(s.States))
	for k, v := range s.States {
		c.States[k] = v
	}
	return &c
}

func (s *Snapshot) count() {
	s.Up, s.Down = 0, 0
	for _, st := range s.States {
		switch st.Status {
		case domain.StatusUp:
			s.Up++
		case domain.StatusDown:
			s.Down++
		}
	}
}
