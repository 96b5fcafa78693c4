package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gtcpd/internal/chat"
	"gtcpd/internal/config"
	"gtcpd/internal/logging"
	"gtcpd/internal/protocol"
	"gtcpd/internal/transport"
	"gtcpd/internal/worker"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	id := fs.String("worker-id", "", "worker identity used in logs (random when empty)")
	dispatcher := fs.String("dispatcher", "", "dispatcher worker endpoint, host:port (defaults to worker_endpoint)")
	configPath := fs.String("config", "gtcpd.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	addr := *dispatcher
	if addr == "" {
		addr = cfg.WorkerEndpoint.String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chat.OpenStore(ctx, cfg.Chat.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	rt := worker.New(*id, addr, chat.NewProcessor(store), workerOptions(cfg))
	slog.Info("[worker] starting", "worker", rt.ID(), "pid", os.Getpid(), "dispatcher", addr)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// workerOptions derives the worker-side connection settings from cfg.
func workerOptions(cfg config.Config) worker.Options {
	return worker.Options{
		Transport: transport.Options{
			KeepAlive: transport.KeepAlive{
				Enabled:  cfg.KeepAlive.Enabled,
				Idle:     cfg.KeepAlive.Idle,
				Interval: cfg.KeepAlive.Interval,
				Count:    cfg.KeepAlive.Count,
			},
			MaxPacketSize: uint32(cfg.MaxPacketSize) + protocol.HeaderSize,
		},
		ReconnectBackoff:  cfg.Supervisor.RestartBackoff,
		MaxReconnectDelay: cfg.Supervisor.MaxRestartBackoff,
	}
}
