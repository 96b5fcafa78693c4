// Package workerutil runs long-lived goroutines (in-process workers, supervisor
// loops, reconnect loops) with panic recovery and capped exponential backoff.
package workerutil

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	// DefaultInitialBackoff is the first restart delay.
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff caps the restart delay.
	DefaultMaxBackoff = 5 * time.Second

	defaultMaxRetries = 10
)

// RecoveryOptions configures RunWithPanicRecovery. Zero values select defaults.
type RecoveryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxRetries bounds consecutive failed runs. Negative means unlimited.
	MaxRetries int

	// RestartOnReturn restarts fn after a successful return as well as after
	// a failure, until ctx is cancelled. Used for workers that must stay attached.
	RestartOnReturn bool

	// OnFailure is called after each failed run (panic or returned error)
	// with the 1-based count of consecutive failures.
	OnFailure func(name string, attempt int, err error)
	// OnFatal is called once MaxRetries is exhausted.
	OnFatal func(name string, maxRetries int)
}

func (opts RecoveryOptions) applyDefaults() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		slog.Warn("[workerutil] max backoff below initial backoff, using initial",
			"initialBackoff", opts.InitialBackoff, "maxBackoff", opts.MaxBackoff)
		opts.MaxBackoff = opts.InitialBackoff
	}
	return opts
}

// RunWithPanicRecovery runs fn on a goroutine tracked by wg. A run fails when
// fn panics (logged with its stack) or returns an error; fn is then restarted
// after a growing backoff, up to opts.MaxRetries consecutive failures.
// A successful run resets the backoff and the failure count. Cancelling ctx
// stops the loop.
func RunWithPanicRecovery(
	ctx context.Context,
	name string,
	wg *sync.WaitGroup,
	fn func(ctx context.Context) error,
	opts RecoveryOptions,
) {
	opts = opts.applyDefaults()
	wg.Go(func() {
		runRecoveryLoop(ctx, name, fn, opts)
	})
}

func runRecoveryLoop(ctx context.Context, name string, fn func(ctx context.Context) error, opts RecoveryOptions) {
	backoff := NewBackoff(opts.InitialBackoff, opts.MaxBackoff)

	failures := 0
	for {
		err := runOnce(ctx, name, fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if !opts.RestartOnReturn {
				return
			}
			failures = 0
			backoff.Reset()
		} else {
			failures++
			if opts.OnFailure != nil {
				opts.OnFailure(name, failures, err)
			}
			if opts.MaxRetries > 0 && failures >= opts.MaxRetries {
				slog.Error("[workerutil] worker exceeded max retries, giving up",
					"worker", name, "maxRetries", opts.MaxRetries, "error", err)
				if opts.OnFatal != nil {
					opts.OnFatal(name, opts.MaxRetries)
				}
				return
			}
		}

		delay := backoff.Next()
		slog.Warn("[workerutil] restarting worker", "worker", name, "delay", delay, "failures", failures, "error", err)
		if !Sleep(ctx, delay) {
			return
		}
	}
}

func runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[workerutil] goroutine recovered from panic",
				"worker", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
