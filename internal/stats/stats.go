// Package stats derives windowed uptime, latency and loss figures from stored
// samples. It only reads; nothing it computes is persisted.
package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/repo"
)

const (
	DefaultRecent = 20
	MaxRecent     = 500
)

// Window is a trailing span ending at query time.
type Window struct {
	Label string
	Span  time.Duration
}

var DefaultWindows = []Window{
	{Label: "5m", Span: 5 * time.Minute},
	{Label: "1h", Span: time.Hour},
	{Label: "24h", Span: 24 * time.Hour},
	{Label: "7d", Span: 7 * 24 * time.Hour},
}

// ParseWindow accepts Go durations ("90s", "1h30m") and whole days ("7d").
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, fmt.Errorf("empty window")
	}
	var span time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return Window{}, fmt.Errorf("window %q: %w", s, err)
		}
		span = time.Duration(n) * 24 * time.Hour
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Window{}, fmt.Errorf("window %q: %w", s, err)
		}
		span = d
	}
	if span <= 0 {
		return Window{}, fmt.Errorf("window %q: must be positive", s)
	}
	return Window{Label: s, Span: span}, nil
}

// ParseWindows parses a comma separated list. An empty list yields
// DefaultWindows.
func ParseWindows(csv string) ([]Window, error) {
	if strings.TrimSpace(csv) == "" {
		return append([]Window(nil), DefaultWindows...), nil
	}
	var out []Window
	for _, part := range strings.Split(csv, ",") {
		w, err := ParseWindow(part)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// WindowStats is the derived view of one window. When NoData is set every
// percentage and latency field is nil: an empty window is not 0% uptime.
type WindowStats struct {
	Window    string   `json:"window"`
	NoData    bool     `json:"no_data"`
	Samples   int      `json:"samples"`
	UptimePct *float64 `json:"uptime_pct"`
	LossPct   *float64 `json:"loss_pct"`
	AvgMS     *float64 `json:"avg_ms"`
	MinMS     *float64 `json:"min_ms"`
	MaxMS     *float64 `json:"max_ms"`
}

type Streak struct {
	Status domain.Status `json:"status"`
	Length int           `json:"length"`
	Start  time.Time     `json:"start,omitempty"`
}

type Aggregator struct {
	reader repo.SampleReader
	now    func() time.Time
}

type Option func(*Aggregator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(r repo.SampleReader, opts ...Option) *Aggregator {
	a := &Aggregator{reader: r, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// WindowStats computes every window for one target in a single store query.
func (a *Aggregator) WindowStats(ctx context.Context, id domain.TargetID, windows []Window) ([]WindowStats, error) {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	aggs, err := a.aggregates(ctx, id, a.now(), windows)
	if err != nil {
		return nil, err
	}
	out := make([]WindowStats, len(windows))
	for i, agg := range aggs {
		out[i] = derive(windows[i].Label, agg)
	}
	return out, nil
}

// GroupWindowStats combines several targets into one figure per window, as
// if their samples were a single series. Every target is evaluated at the
// same instant.
func (a *Aggregator) GroupWindowStats(ctx context.Context, ids []domain.TargetID, windows []Window) ([]WindowStats, error) {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	now := a.now()
	merged := make([]repo.Aggregate, len(windows))
	sums := make([]float64, len(windows))
	for i, w := range windows {
		merged[i].Window = w.Span
	}
	for _, id := range ids {
		aggs, err := a.aggregates(ctx, id, now, windows)
		if err != nil {
			return nil, err
		}
		for i, agg := range aggs {
			m := &merged[i]
			m.Total += agg.Total
			m.Up += agg.Up
			if agg.AvgMS != nil {
				// Up samples carry latency; weight each mean by its count
				sums[i] += *agg.AvgMS * float64(agg.Up)
			}
			m.MinMS = pick(m.MinMS, agg.MinMS, func(a, b float64) bool { return a < b })
			m.MaxMS = pick(m.MaxMS, agg.MaxMS, func(a, b float64) bool { return a > b })
		}
	}

	out := make([]WindowStats, len(windows))
	for i := range merged {
		if merged[i].Up > 0 && merged[i].MinMS != nil {
			avg := sums[i] / float64(merged[i].Up)
			merged[i].AvgMS = &avg
		}
		out[i] = derive(windows[i].Label, merged[i])
	}
	return out, nil
}

func (a *Aggregator) aggregates(ctx context.Context, id domain.TargetID, now time.Time, windows []Window) ([]repo.Aggregate, error) {
	spans := make([]time.Duration, len(windows))
	for i, w := range windows {
		spans[i] = w.Span
	}
	aggs, err := a.reader.WindowAggregates(ctx, id, now, spans)
	if err != nil {
		return nil, err
	}
	if len(aggs) != len(windows) {
		return nil, fmt.Errorf("window aggregates %s: got %d results for %d windows", id, len(aggs), len(windows))
	}
	return aggs, nil
}

func pick(cur, v *float64, better func(a, b float64) bool) *float64 {
	if v == nil {
		return cur
	}
	if cur == nil || better(*v, *cur) {
		x := *v
		return &x
	}
	return cur
}

func derive(label string, agg repo.Aggregate) WindowStats {
	ws := WindowStats{Window: label, Samples: agg.Total}
	if agg.Total == 0 {
		ws.NoData = true
		return ws
	}
	up := 100 * float64(agg.Up) / float64(agg.Total)
	loss := 100 - up
	ws.UptimePct = &up
	ws.LossPct = &loss
	ws.AvgMS, ws.MinMS, ws.MaxMS = agg.AvgMS, agg.MinMS, agg.MaxMS
	return ws
}

// Streak returns the trailing run of same-status samples. A target with no
// samples has an Unknown streak of length zero.
func (a *Aggregator) Streak(ctx context.Context, id domain.TargetID) (Streak, error) {
	run, ok, err := a.reader.TrailingRun(ctx, id)
	if err != nil {
		return Streak{}, err
	}
	if !ok {
		return Streak{Status: domain.StatusUnknown}, nil
	}
	return Streak{Status: domain.StatusOf(run.Up), Length: run.Length, Start: run.Start}, nil
}

// Recent returns the newest samples, clamping limit to [1, MaxRecent] and
// using DefaultRecent when it is not positive.
func (a *Aggregator) Recent(ctx context.Context, id domain.TargetID, limit int) ([]domain.Sample, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecent
	case limit > MaxRecent:
		limit = MaxRecent
	}
	return a.reader.Recent(ctx, id, limit)
}
