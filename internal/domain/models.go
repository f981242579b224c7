package domain

import "time"

type TargetID string

// Kind selects the protocol checker for a target.
type Kind string

const (
	KindLANPing Kind = "lan_ping"
	KindPing    Kind = "ping"
	KindDNS     Kind = "dns"
	KindTCP     Kind = "tcp"
	KindHTTP    Kind = "http"
)

// SharesIdentifier reports whether checks of this kind are demultiplexed by
// an identifier carried in the reply. Such checks never overlap in a round.
func (k Kind) SharesIdentifier() bool {
	return k == KindLANPing || k == KindPing
}

// Group separates LAN hosts from external services for display.
type Group string

const (
	GroupLAN     Group = "lan"
	GroupService Group = "service"
)

// Target is immutable after the registry is built.
type Target struct {
	ID      TargetID      `json:"id"`
	Index   int           `json:"index"`
	Label   string        `json:"label"`
	Group   Group         `json:"group"`
	Kind    Kind          `json:"kind"`
	Address string        `json:"address"`
	Port    int           `json:"port,omitempty"`
	URL     string        `json:"url,omitempty"`
	Query   string        `json:"query,omitempty"`
	Icon    string        `json:"icon,omitempty"`
	Timeout time.Duration `json:"timeout"`
}

// Sample is one probe outcome. LatencyMS is nil for Down samples.
type Sample struct {
	TargetID   TargetID  `json:"target_id"`
	Timestamp  time.Time `json:"timestamp"`
	Up         bool      `json:"up"`
	LatencyMS  *float64  `json:"latency_ms"`
	Resolved   string    `json:"resolved,omitempty"`
	Generation uint64    `json:"generation"`
}

// Round holds exactly one sample per target, committed together.
type Round struct {
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Samples    []Sample  `json:"samples"`
}

type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusUp      Status = "UP"
	StatusDown    Status = "DOWN"
)

func StatusOf(up bool) Status {
	if up {
		return StatusUp
	}
	return StatusDown
}

// StatusState is the current status of one target.
type StatusState struct {
	Status      Status    `json:"status"`
	Streak      int       `json:"streak"`
	StreakStart time.Time `json:"streak_start"`
	LastSeen    time.Time `json:"last_seen"`
	LatencyMS   *float64  `json:"latency_ms,omitempty"`
	Resolved    string    `json:"resolved,omitempty"`
}

// Transition is fired at most once per round per target.
type Transition struct {
	TargetID   TargetID  `json:"target_id"`
	Label      string    `json:"label"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	At         time.Time `json:"at"`
	Generation uint64    `json:"generation"`
}

// Run is the trailing run of same-status samples of one target.
type Run struct {
	Up     bool      `json:"up"`
	Length int       `json:"length"`
	Start  time.Time `json:"start"`
	Last   time.Time `json:"last"`
}
