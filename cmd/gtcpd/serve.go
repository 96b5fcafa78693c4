package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"

	"gtcpd/internal/chat"
	"gtcpd/internal/config"
	"gtcpd/internal/logging"
	"gtcpd/internal/metrics"
	"gtcpd/internal/monitor"
	"gtcpd/internal/pool"
	"gtcpd/internal/scheduler"
	"gtcpd/internal/singleinstance"
	"gtcpd/internal/worker"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "gtcpd.yaml", "path to the YAML config file")
	mode := fs.String("mode", "", "override worker_mode (process or goroutine)")
	workers := fs.Int("workers", 0, "override worker_count")
	watch := fs.Bool("watch", true, "reload log level and task timeout when the config file changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	overrides := func(c *config.Config) {
		if *mode != "" {
			c.WorkerMode = *mode
		}
		if *workers > 0 {
			c.WorkerCount = *workers
		}
	}
	overrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if cfg.PIDFile != "" {
		lock, err := singleinstance.TryLock(cfg.PIDFile)
		if errors.Is(err, singleinstance.ErrAlreadyRunning) {
			pid, _ := singleinstance.ReadPID(cfg.PIDFile)
			return fmt.Errorf("dispatcher already running (pid %d, pid file %s)", pid, cfg.PIDFile)
		}
		if err != nil {
			return err
		}
		defer func() {
			if releaseErr := lock.Release(); releaseErr != nil {
				slog.Warn("[main] pid file release failed", "error", releaseErr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stubs left by a previous run name connections that no longer exist.
	store, err := chat.OpenStore(ctx, cfg.Chat.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Reset(ctx); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.FromConfig(cfg))
	if err := sched.Listen(); err != nil {
		return err
	}

	recorder := metrics.New()
	sched.AddObserver(recorder)

	workerPool, err := pool.New(pool.Options{
		Mode:       cfg.WorkerMode,
		Count:      cfg.WorkerCount,
		WorkerAddr: sched.WorkerAddr().String(),
		Args:       []string{"--config", *configPath},
		NewProcessor: func() (worker.Processor, error) {
			return chat.NewProcessor(store), nil
		},
		Worker:            workerOptions(cfg),
		RestartBackoff:    cfg.Supervisor.RestartBackoff,
		MaxRestartBackoff: cfg.Supervisor.MaxRestartBackoff,
	})
	if err != nil {
		return err
	}
	sched.OnWorkerLost(func(label string) {
		slog.Debug("[main] worker connection lost, probing pool", "worker", label)
		workerPool.Probe()
	})

	var hub *monitor.Hub
	if cfg.Monitor.Enabled {
		hub = monitor.NewHub(monitor.Options{
			Addr:    cfg.Monitor.Address,
			Metrics: recorder.Handler(),
			Stats: func(ctx context.Context) (any, error) {
				st, err := sched.Snapshot(ctx)
				if err != nil {
					return nil, err
				}
				return statusReport{
					Scheduler: st,
					Workers:   workerPool.Status(),
					Monitor:   &monitorStatus{Subscribers: hub.Subscribers(), Dropped: hub.Dropped()},
				}, nil
			},
		})
		sched.AddObserver(hub)
		if err := hub.Start(ctx); err != nil {
			return err
		}
		logging.SetTee(hub.PublishLog)
		defer func() {
			logging.SetTee(nil)
			if err := hub.Stop(); err != nil {
				slog.Warn("[main] monitor stop failed", "error", err)
			}
		}()
		slog.Info("[main] monitor listening", "addr", hub.Addr())
	}

	var wg sync.WaitGroup
	schedErr := make(chan error, 1)
	wg.Go(func() { schedErr <- sched.Run(ctx) })

	if err := workerPool.Start(ctx); err != nil {
		stop()
		wg.Wait()
		return err
	}

	if *watch {
		wg.Go(func() {
			if err := config.Watch(ctx, *configPath, func(next config.Config) {
				overrides(&next)
				applyReload(cfg, next, sched)
			}); err != nil {
				slog.Warn("[main] config watch disabled", "error", err)
			}
		})
	}

	slog.Info("[main] dispatcher started", "pid", os.Getpid(), "workers", cfg.WorkerCount, "mode", cfg.WorkerMode)
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("[main] shutting down")
		workerPool.Wait()
		wg.Wait()
		runErr = <-schedErr
	case runErr = <-schedErr:
		slog.Error("[main] scheduler exited", "error", runErr)
		stop()
		workerPool.Wait()
		wg.Wait()
	}
	return runErr
}

// statusReport is served on /stats and printed by "gtcpd status".
type statusReport struct {
	Scheduler scheduler.Stats   `json:"scheduler"`
	Workers   []pool.SlotStatus `json:"workers"`
	Monitor   *monitorStatus    `json:"monitor,omitempty"`
}

type monitorStatus struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// applyReload applies the hot-reloadable subset of next.
func applyReload(current, next config.Config, sched *scheduler.Scheduler) {
	if err := logging.SetLevel(next.Log.Level); err != nil {
		slog.Warn("[main] invalid log level in reloaded config", "level", next.Log.Level, "error", err)
	}
	sched.SetTaskTimeout(next.TaskTimeout)

	// Everything else is bound at startup.
	next.Log.Level = current.Log.Level
	next.TaskTimeout = current.TaskTimeout
	if !reflect.DeepEqual(current, next) {
		slog.Warn("[main] config changed; restart the dispatcher to apply fields other than log.level and task_timeout")
	}
}
