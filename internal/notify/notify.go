package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/hamed0406/lanwatch/internal/domain"
)

type Notifier interface {
	Send(ctx context.Context, title, text string) error
}

// Multi fans a message out to every notifier and reports all failures.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, title, text string) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Send(ctx, title, text))
	}
	return err
}

// Message renders a status transition for delivery.
func Message(tr domain.Transition) (title, text string) {
	name := tr.Label
	if name == "" {
		name = string(tr.TargetID)
	}
	switch tr.To {
	case domain.StatusDown:
		title = "🔴 " + name + " DOWN"
	case domain.StatusUp:
		title = "🟢 " + name + " RECOVERED"
	default:
		title = name + " " + string(tr.To)
	}
	text = fmt.Sprintf(
		"Target: %s\nStatus: %s → %s\nAt: %s\nRound: %d",
		tr.TargetID, tr.From, tr.To, tr.At.Format(time.RFC3339), tr.Generation,
	)
	return title, text
}
