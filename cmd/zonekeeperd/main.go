package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	_ "go.uber.org/automaxprocs"

	"github.com/dmitrymomot/zonekeeper/core/config"
	"github.com/dmitrymomot/zonekeeper/core/logger"
	"github.com/dmitrymomot/zonekeeper/core/scheduler"
	"github.com/dmitrymomot/zonekeeper/core/worker"
	"github.com/dmitrymomot/zonekeeper/pkg/crash"
	"github.com/dmitrymomot/zonekeeper/pkg/duration"
)

type appConfig struct {
	Log    logger.Config
	Pool   worker.Config
	Resign string `env:"ZONEKEEPER_RESIGN_INTERVAL" envDefault:"PT2H"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := logger.New(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	crash.Init(
		func(format string, args ...any) { fmt.Fprintf(os.Stderr, format, args...) },
		func(format string, args ...any) {
			log.Error(fmt.Sprintf(format, args...), logger.Component("crash"))
		},
	)
	if err := crash.TrapSignals(os.Args[0]); err != nil {
		return fmt.Errorf("cannot install crash handlers: %w", err)
	}
	if err := crash.DisableCoreDump(); err != nil {
		return fmt.Errorf("cannot disable core dumps: %w", err)
	}

	resign, err := duration.Parse(cfg.Resign)
	if err != nil {
		return fmt.Errorf("invalid resign interval: %w", err)
	}

	sched := scheduler.New(scheduler.WithLogger(log))
	registerHandlers(sched, log, resign.ToSeconds())

	pool, err := worker.NewPoolFromConfig(cfg.Pool, sched,
		worker.WithLogger(log),
		worker.WithSubtaskFunc(signSubtask(log)))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The zones a fresh daemon watches over come from its collaborators;
	// until those are wired in, seed the schedule with the built-in
	// housekeeping rounds.
	if err := sched.ScheduleWithHandler(scheduler.TypeResalt, "default-policy", nil, nil, duration.Now()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(pool.Run(gctx))

	log.Info("zonekeeperd started",
		logger.Component("daemon"),
		slog.Int("workers", cfg.Pool.Workers),
		slog.Int("sign_workers", cfg.Pool.SignWorkers))

	err = g.Wait()
	sched.Cleanup()
	log.Info("zonekeeperd stopped", logger.Component("daemon"))
	return err
}

// registerHandlers installs the built-in housekeeping callbacks.
func registerHandlers(sched *scheduler.Scheduler, log *slog.Logger, resignEvery int64) {
	sched.RegisterHandler(scheduler.ClassEnforcer, scheduler.TypeResalt,
		func(t *scheduler.Task, owner string, _, _ any) scheduler.NextRun {
			log.Info("rolling NSEC3 salt",
				logger.Component("enforcer"),
				slog.String("policy", owner))
			return scheduler.NextRun(duration.Now() + resignEvery)
		})

	sched.RegisterHandler(scheduler.ClassSigner, scheduler.TypeSign,
		func(t *scheduler.Task, owner string, userdata, wctx any) scheduler.NextRun {
			w, ok := wctx.(*worker.Worker)
			if !ok {
				return scheduler.Failed
			}
			batches, ok := userdata.([]any)
			if !ok || len(batches) == 0 {
				log.Info("nothing to sign",
					logger.Component("signer"),
					slog.String("zone", owner))
				return scheduler.NextRun(duration.Now() + resignEvery)
			}

			dispatched := int64(0)
			for _, batch := range batches {
				tries := 0
				for {
					err := w.Dispatch(batch, &tries)
					if err == nil {
						dispatched++
						break
					}
					// Queue saturated: let the runners catch up before
					// handing out the rest.
					w.WaitSubtasks(dispatched)
					dispatched = 0
					tries = 0
				}
			}
			if failed := w.WaitSubtasks(dispatched); failed > 0 {
				log.Warn("zone signed with failures",
					logger.Component("signer"),
					slog.String("zone", owner),
					slog.Int64("failed", failed))
				return scheduler.Defer
			}
			log.Info("zone signed",
				logger.Component("signer"),
				slog.String("zone", owner))
			return scheduler.NextRun(duration.Now() + resignEvery)
		})
}

// signSubtask returns the runner for individual signing batches. The real
// cryptography lives behind the HSM collaborators; the runner's job is the
// fan-out plumbing.
func signSubtask(log *slog.Logger) worker.SubtaskFunc {
	var mu sync.Mutex
	signed := 0
	return func(ctx context.Context, item any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		signed++
		mu.Unlock()
		log.Debug("signed batch", logger.Component("signer"), slog.Any("batch", item))
		return nil
	}
}
