package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/lanwatch/internal/config"
	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/httpapi"
	"github.com/hamed0406/lanwatch/internal/logging"
	"github.com/hamed0406/lanwatch/internal/notify"
	"github.com/hamed0406/lanwatch/internal/probe"
	"github.com/hamed0406/lanwatch/internal/registry"
	"github.com/hamed0406/lanwatch/internal/repo"
	"github.com/hamed0406/lanwatch/internal/repo/memory"
	"github.com/hamed0406/lanwatch/internal/repo/postgres"
	"github.com/hamed0406/lanwatch/internal/repo/sqlite"
	"github.com/hamed0406/lanwatch/internal/scheduler"
	"github.com/hamed0406/lanwatch/internal/state"
	"github.com/hamed0406/lanwatch/internal/stats"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	logger, err := logging.NewLogger(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel, Stdout: cfg.LogStdout})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		logger.Sync()
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	for _, w := range cfg.Warnings {
		logger.Warn("config_warning", zap.String("detail", w))
	}

	tf, found, err := config.LoadTargets(cfg.TargetsFile)
	if err != nil {
		return err
	}
	if !found {
		logger.Info("targets_default", zap.String("file", cfg.TargetsFile))
	}
	reg, err := registry.New(tf.Targets(), cfg.CheckTimeout)
	if err != nil {
		return fmt.Errorf("targets: %w", err)
	}
	targets := reg.All()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store_close_failed", zap.Error(err))
		}
	}()

	tracker := state.New(reg.IDs())
	gen, err := store.LastGeneration(ctx)
	if err != nil {
		logger.Warn("restore_generation_failed", zap.Error(err))
	}
	tracker.Restore(gen, restoreRuns(ctx, logger, store, targets))

	pinger := probe.NewPinger(probe.PingerConfig{
		Privileged: cfg.ICMPPrivileged,
		IDs:        probe.IndexIDs{Base: cfg.ICMPIDBase},
	})
	if err := pinger.Preflight(); err != nil {
		logger.Warn("icmp_unavailable", zap.Error(err), zap.Bool("privileged", cfg.ICMPPrivileged))
	}
	checkers := probe.Set{
		domain.KindLANPing: pinger,
		domain.KindPing:    pinger,
		domain.KindDNS:     probe.NewDNSChecker(),
		domain.KindTCP:     probe.NewTCPChecker(),
		domain.KindHTTP:    probe.NewHTTPChecker(),
	}
	if err := checkers.Covers(targets); err != nil {
		return err
	}

	sched := scheduler.New(logger, targets, checkers, store, tracker, scheduler.Config{
		Interval:      cfg.PollInterval,
		Retention:     cfg.Retention,
		MaxConcurrent: cfg.MaxConcurrent,
		Stagger:       cfg.Stagger,
	})

	hub := httpapi.NewHub(logger)
	sched.OnTransition(hub.Publish)

	g, gctx := errgroup.WithContext(ctx)

	if n := notify.NewSlack(cfg.SlackWebhook); n != nil {
		alerter := scheduler.NewAlerter(logger, notify.Multi{n}, scheduler.AlerterConfig{
			AlertOnRecovery: cfg.AlertOnRecovery,
			Cooldown:        cfg.AlertCooldown,
		})
		sched.OnTransition(alerter.Notify)
		g.Go(func() error { return ignoreCanceled(alerter.Run(gctx)) })
	}

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	api := httpapi.NewServer(logger, targets, tracker, stats.New(store), hub)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.Router(httpapi.RouterConfig{
			Keys:           cfg.APIKeys,
			AllowedOrigins: cfg.AllowedOrigins,
			RPM:            cfg.PublicRPM,
			Burst:          cfg.PublicBurst,
			TrustProxy:     cfg.TrustProxy,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("api_listen", zap.String("addr", cfg.Addr), zap.Int("targets", len(targets)), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown", zap.Uint64("generation", sched.Generation()))
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreMemory:
		logger.Warn("store_memory", zap.String("detail", "samples are lost on restart"))
		return memory.New(), nil
	default:
		lite, err := sqlite.Open(ctx, sqlite.Options{Path: cfg.DBPath, WAL: cfg.WAL}, logger)
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
}

// restoreRuns seeds streaks from stored history. A read failure only costs
// the streak of that target.
func restoreRuns(ctx context.Context, logger *zap.Logger, r repo.SampleReader, targets []domain.Target) map[domain.TargetID]domain.Run {
	runs := make(map[domain.TargetID]domain.Run, len(targets))
	for _, t := range targets {
		run, ok, err := r.TrailingRun(ctx, t.ID)
		if err != nil {
			logger.Warn("restore_failed", zap.String("target_id", string(t.ID)), zap.Error(err))
			continue
		}
		if ok {
			runs[t.ID] = run
		}
	}
	return runs
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
