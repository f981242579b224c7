// Package registry holds the validated, immutable list of monitored targets.
package registry

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/hamed0406/lanwatch/internal/domain"
)

const (
	DefaultTimeout = 2 * time.Second
	dnsPort        = 53
	defaultQuery   = "google.com"
)

// ConfigError describes one invalid target definition. It is only ever
// produced at startup.
type ConfigError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("target %d: %s: %s", e.Index, e.Field, e.Reason)
}

// Registry is safe for concurrent reads; nothing mutates it after New.
type Registry struct {
	targets []domain.Target
	byID    map[domain.TargetID]int
}

// New validates and normalizes the targets in order. Every invalid target is
// reported; the returned error combines them.
func New(in []domain.Target, defaultTimeout time.Duration) (*Registry, error) {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	r := &Registry{
		targets: make([]domain.Target, 0, len(in)),
		byID:    make(map[domain.TargetID]int, len(in)),
	}

	var errs error
	for i, t := range in {
		nt, err := normalize(i, t, defaultTimeout)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, dup := r.byID[nt.ID]; dup {
			errs = multierr.Append(errs, &ConfigError{Index: i, Field: "id", Reason: "duplicate id " + string(nt.ID)})
			continue
		}
		nt.Index = len(r.targets)
		r.byID[nt.ID] = nt.Index
		r.targets = append(r.targets, nt)
	}
	if errs != nil {
		return nil, errs
	}
	return r, nil
}

// All returns a copy of the targets in registry order.
func (r *Registry) All() []domain.Target {
	out := make([]domain.Target, len(r.targets))
	copy(out, r.targets)
	return out
}

func (r *Registry) Len() int { return len(r.targets) }

func (r *Registry) Get(id domain.TargetID) (domain.Target, bool) {
	i, ok := r.byID[id]
	if !ok {
		return domain.Target{}, false
	}
	return r.targets[i], true
}

func (r *Registry) IDs() []domain.TargetID {
	out := make([]domain.TargetID, len(r.targets))
	for i, t := range r.targets {
		out[i] = t.ID
	}
	return out
}

func normalize(i int, t domain.Target, defaultTimeout time.Duration) (domain.Target, error) {
	bad := func(field, reason string) error {
		return &ConfigError{Index: i, Field: field, Reason: reason}
	}

	t.Label = strings.TrimSpace(t.Label)
	t.Address = strings.TrimSpace(t.Address)
	if t.Label == "" {
		return t, bad("label", "must not be empty")
	}
	if t.Timeout <= 0 {
		t.Timeout = defaultTimeout
	}

	switch t.Kind {
	case domain.KindLANPing:
		if net.ParseIP(t.Address) == nil {
			return t, bad("address", fmt.Sprintf("%q is not an IP address", t.Address))
		}
		if t.Group == "" {
			t.Group = domain.GroupLAN
		}
	case domain.KindPing:
		if t.Address == "" || strings.ContainsAny(t.Address, "/: ") && net.ParseIP(t.Address) == nil {
			return t, bad("address", fmt.Sprintf("%q is not a host name or IP address", t.Address))
		}
	case domain.KindDNS:
		host, port := t.Address, dnsPort
		if h, p, err := net.SplitHostPort(t.Address); err == nil {
			n, perr := strconv.Atoi(p)
			if perr != nil || n < 1 || n > 65535 {
				return t, bad("address", fmt.Sprintf("invalid port in %q", t.Address))
			}
			host, port = h, n
		}
		if net.ParseIP(host) == nil {
			return t, bad("address", fmt.Sprintf("nameserver %q is not an IP address", host))
		}
		t.Address, t.Port = host, port
		if t.Query == "" {
			t.Query = defaultQuery
		}
	case domain.KindTCP:
		addr := t.Address
		if t.Port > 0 && !strings.Contains(addr, ":") {
			addr = net.JoinHostPort(addr, strconv.Itoa(t.Port))
		}
		h, p, err := net.SplitHostPort(addr)
		if err != nil || h == "" {
			return t, bad("address", fmt.Sprintf("%q is not host:port", t.Address))
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return t, bad("address", fmt.Sprintf("invalid port in %q", t.Address))
		}
		t.Address, t.Port = h, n
	case domain.KindHTTP:
		raw := t.URL
		if raw == "" {
			raw = t.Address
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return t, bad("url", fmt.Sprintf("%q is not an http(s) URL", raw))
		}
		t.URL = u.String()
		if t.Address == "" || t.Address == raw {
			t.Address = u.Hostname()
		}
	default:
		return t, bad("kind", fmt.Sprintf("unknown check %q", t.Kind))
	}

	if t.Group == "" {
		t.Group = domain.GroupService
	}
	if t.ID == "" {
		if t.Group == domain.GroupLAN {
			t.ID = domain.TargetID(t.Address)
		} else {
			t.ID = domain.TargetID("svc:" + t.Label)
		}
	}
	return t, nil
}
