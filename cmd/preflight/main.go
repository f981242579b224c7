// cmd/preflight/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hamed0406/lanwatch/internal/config"
	"github.com/hamed0406/lanwatch/internal/probe"
	"github.com/hamed0406/lanwatch/internal/registry"
)

func main() {
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		os.Exit(1)
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg := config.FromEnv()
	for _, w := range cfg.Warnings {
		warn(w)
	}

	tf, found, err := config.LoadTargets(cfg.TargetsFile)
	if err != nil {
		fail(err.Error())
	}
	if found {
		ok("TARGETS_FILE=" + cfg.TargetsFile)
	} else {
		warn(cfg.TargetsFile + " not found; built-in default targets will be monitored.")
	}

	reg, err := registry.New(tf.Targets(), cfg.CheckTimeout)
	if err != nil {
		fail("invalid targets: " + strings.ReplaceAll(err.Error(), "; ", "\n  "))
	}
	ok(fmt.Sprintf("%d targets valid", reg.Len()))

	pinger := probe.NewPinger(probe.PingerConfig{Privileged: cfg.ICMPPrivileged})
	if err := pinger.Preflight(); err != nil {
		warn("ICMP sockets unavailable (" + err.Error() + "); ping targets will report DOWN. " +
			"Grant CAP_NET_RAW with ICMP_PRIVILEGED=true, or widen net.ipv4.ping_group_range.")
	} else {
		ok(fmt.Sprintf("ICMP sockets usable (privileged=%t)", cfg.ICMPPrivileged))
	}

	switch cfg.Store {
	case config.StorePostgres:
		ok("STORE=postgres (DATABASE_URL present)")
	case config.StoreMemory:
		warn("STORE=memory; history is lost on restart.")
	default:
		ok(fmt.Sprintf("STORE=sqlite DB_PATH=%s WAL=%t", cfg.DBPath, cfg.WAL))
	}

	if cfg.PollInterval == 0 {
		warn("POLL_INTERVAL_SEC=0; polling is disabled and only the API will run.")
	} else {
		ok(fmt.Sprintf("poll every %s, timeout %s, retention %s", cfg.PollInterval, cfg.CheckTimeout, cfg.Retention))
	}

	if len(cfg.APIKeys) == 0 {
		warn("API_KEYS is empty; the read API is open to anyone who can reach " + cfg.Addr + ".")
	} else {
		ok(fmt.Sprintf("API_KEYS: %d key(s)", len(cfg.APIKeys)))
	}
	if cfg.SlackWebhook == "" {
		warn("SLACK_WEBHOOK empty; status changes are only logged and streamed.")
	} else {
		ok("SLACK_WEBHOOK present")
	}

	ok("preflight passed")
}
