package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/notify"
)

type AlerterConfig struct {
	AlertOnRecovery bool
	Cooldown        time.Duration
	QueueSize       int
	SendTimeout     time.Duration
}

// Alerter turns status transitions into notifications. Transitions are
// queued by Notify on the poll loop and delivered by Run on its own
// goroutine, so a slow webhook never delays a round.
type Alerter struct {
	log      *zap.Logger
	notifier notify.Notifier
	cfg      AlerterConfig
	queue    chan domain.Transition
	now      func() time.Time

	// last DOWN alert per target; Run goroutine only
	lastSent map[domain.TargetID]time.Time
}

func NewAlerter(log *zap.Logger, n notify.Notifier, cfg AlerterConfig) *Alerter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Alerter{
		log:      log,
		notifier: n,
		cfg:      cfg,
		queue:    make(chan domain.Transition, cfg.QueueSize),
		now:      time.Now,
		lastSent: make(map[domain.TargetID]time.Time),
	}
}

// Notify enqueues a transition. It never blocks; when the queue is full the
// transition is dropped and logged.
func (a *Alerter) Notify(tr domain.Transition) {
	select {
	case a.queue <- tr:
	default:
		a.log.Warn("alert_dropped", zap.String("target_id", string(tr.TargetID)), zap.String("to", string(tr.To)))
	}
}

func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-a.queue:
			a.handle(ctx, tr)
		}
	}
}

func (a *Alerter) handle(ctx context.Context, tr domain.Transition) {
	now := a.now()

	switch tr.To {
	case domain.StatusDown:
		// Cooldown only matters for DOWN alerts (suppresses flapping repeats).
		if last, ok := a.lastSent[tr.TargetID]; ok && now.Sub(last) < a.cfg.Cooldown {
			a.log.Debug("alert_suppressed", zap.String("target_id", string(tr.TargetID)))
			return
		}
		a.lastSent[tr.TargetID] = now
	case domain.StatusUp:
		// first sighting of a healthy target is not a recovery
		if tr.From == domain.StatusUnknown || !a.cfg.AlertOnRecovery {
			return
		}
	default:
		return
	}

	title, text := notify.Message(tr)
	sctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()
	if err := a.notifier.Send(sctx, title, text); err != nil {
		// best effort; the next transition is the retry
		a.log.Warn("alert_send_failed", zap.String("target_id", string(tr.TargetID)), zap.Error(err))
		return
	}
	a.log.Info("alert_sent", zap.String("target_id", string(tr.TargetID)), zap.String("to", string(tr.To)))
}
