// Command massconn opens many idle client connections against a dispatcher
// to measure how many it can hold.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gtcpd/internal/config"
	"gtcpd/internal/logging"
	"gtcpd/internal/transport"
)

const progressEvery = 1000

func main() {
	addr := flag.String("addr", "127.0.0.1:18800", "dispatcher client address")
	count := flag.Int("n", 10000, "number of connections to open")
	hold := flag.Duration("hold", 1000*time.Second, "how long to keep the connections open")
	dialTimeout := flag.Duration("dial-timeout", 5*time.Second, "per-connection dial timeout")
	flag.Parse()

	logCloser, err := logging.Setup(config.LogConfig{Level: "info", Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "massconn: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := openConnections(ctx, *addr, *count, transport.Options{DialTimeout: *dialTimeout},
		func(n int) { slog.Info("[massconn] connections opened", "count", n) })
	defer closeAll(clients)
	switch {
	case err == nil:
	case transport.IsTimeout(err):
		slog.Warn("[massconn] dial timed out, the dispatcher stopped accepting", "opened", len(clients), "error", err)
	case transport.IsConnectionError(err):
		slog.Warn("[massconn] dial failed, check file descriptor limits on both ends", "opened", len(clients), "error", err)
	default:
		slog.Warn("[massconn] stopped opening connections", "opened", len(clients), "error", err)
	}

	slog.Info("[massconn] holding connections", "count", len(clients), "duration", *hold)
	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}
}

// openConnections connects up to n clients, calling progress after every
// progressEvery successes. It stops at the first failure and returns the
// clients opened so far.
func openConnections(ctx context.Context, addr string, n int, opts transport.Options, progress func(int)) ([]*transport.Client, error) {
	clients := make([]*transport.Client, 0, n)
	for len(clients) < n {
		c := transport.NewClient(addr, opts)
		if err := c.Connect(ctx); err != nil {
			return clients, fmt.Errorf("connection %d: %w", len(clients)+1, err)
		}
		clients = append(clients, c)
		if len(clients)%progressEvery == 0 && progress != nil {
			progress(len(clients))
		}
	}
	return clients, nil
}

func closeAll(clients []*transport.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}
