package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hamed0406/lanwatch/internal/domain"
)

// TargetsFile is the YAML shape of the targets file.
type TargetsFile struct {
	Hosts    []Host    `yaml:"hosts"`
	Services []Service `yaml:"services"`
}

// Host is a LAN device checked with ICMP echo.
type Host struct {
	Addr      string `yaml:"addr"`
	Label     string `yaml:"label"`
	Icon      string `yaml:"icon"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Service is an external endpoint. Check is one of ping, dns, tcp, http.
type Service struct {
	Label     string `yaml:"label"`
	Icon      string `yaml:"icon"`
	Check     string `yaml:"check"`
	Target    string `yaml:"target"`
	Query     string `yaml:"query"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// DefaultTargets mirrors a typical home network: the gateway plus a handful
// of well-known services.
func DefaultTargets() TargetsFile {
	return TargetsFile{
		Hosts: []Host{
			{Addr: "192.168.1.1", Label: "Gateway"},
		},
		Services: []Service{
			{Label: "Google", Icon: "google", Check: "ping", Target: "google.com"},
			{Label: "Cloudflare", Icon: "cloudflare", Check: "tcp", Target: "cloudflare.com:443"},
			{Label: "YouTube", Icon: "youtube", Check: "tcp", Target: "youtube.com:443"},
			{Label: "Outlook", Icon: "outlook", Check: "tcp", Target: "outlook.com:443"},
			{Label: "WhatsApp", Icon: "whatsapp", Check: "tcp", Target: "web.whatsapp.com:443"},
			{Label: "Cloudflare DNS", Icon: "cloudflare", Check: "dns", Target: "1.1.1.1"},
			{Label: "Google DNS", Icon: "google", Check: "dns", Target: "8.8.8.8"},
			{Label: "Quad9 DNS", Icon: "quad9", Check: "dns", Target: "9.9.9.9"},
		},
	}
}

// LoadTargets reads the targets file. A missing file falls back to
// DefaultTargets; found reports which one was used.
func LoadTargets(path string) (tf TargetsFile, found bool, err error) {
	if path == "" {
		return DefaultTargets(), false, nil
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultTargets(), false, nil
	}
	if err != nil {
		return TargetsFile{}, false, fmt.Errorf("read targets: %w", err)
	}
	if err := yaml.Unmarshal(content, &tf); err != nil {
		return TargetsFile{}, false, fmt.Errorf("parse targets: %w", err)
	}
	if len(tf.Hosts) == 0 && len(tf.Services) == 0 {
		return TargetsFile{}, true, errors.New("targets file must define at least one host or service")
	}
	return tf, true, nil
}

// Targets flattens the file into registry input: hosts first, then services,
// each in file order. Addresses are validated by the registry.
func (tf TargetsFile) Targets() []domain.Target {
	out := make([]domain.Target, 0, len(tf.Hosts)+len(tf.Services))
	for _, h := range tf.Hosts {
		out = append(out, domain.Target{
			Label:   h.Label,
			Group:   domain.GroupLAN,
			Kind:    domain.KindLANPing,
			Address: h.Addr,
			Icon:    h.Icon,
			Timeout: ms(h.TimeoutMS),
		})
	}
	for _, s := range tf.Services {
		t := domain.Target{
			Label:   s.Label,
			Group:   domain.GroupService,
			Kind:    domain.Kind(strings.ToLower(strings.TrimSpace(s.Check))),
			Address: s.Target,
			Query:   s.Query,
			Icon:    s.Icon,
			Timeout: ms(s.TimeoutMS),
		}
		if t.Kind == domain.KindHTTP {
			t.URL, t.Address = s.Target, ""
		}
		out = append(out, t)
	}
	return out
}

func ms(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
