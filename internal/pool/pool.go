// Package pool starts the worker pool and keeps it at full strength.
//
// In process mode each slot is a child process running the current binary's
// "worker" subcommand; a supervisor goroutine per slot restarts the process
// with backoff whenever it exits. In goroutine mode each slot is an in-process
// worker.Runtime restarted on panic, which gives no fault isolation and is
// meant for debugging.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"gtcpd/internal/config"
	"gtcpd/internal/procutil"
	"gtcpd/internal/worker"
	"gtcpd/internal/workerutil"
)

const (
	// stableRunDuration is how long a process must stay up for its restart
	// backoff to reset.
	stableRunDuration = 10 * time.Second
	stopGracePeriod   = 5 * time.Second
)

// Options configures a Pool.
type Options struct {
	Mode       string
	Count      int
	WorkerAddr string

	// Executable and Args start a process-mode worker. Executable defaults
	// to the running binary. The child receives
	// "worker --worker-id <id> --dispatcher <addr>" followed by Args.
	Executable string
	Args       []string

	// NewProcessor builds the processor for a goroutine-mode worker.
	NewProcessor func() (worker.Processor, error)
	Worker       worker.Options

	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
}

// SlotStatus describes one pool slot.
type SlotStatus struct {
	Index    int       `json:"index"`
	ID       string    `json:"id"`
	Mode     string    `json:"mode"`
	PID      int       `json:"pid,omitempty"`
	Alive    bool      `json:"alive"`
	Restarts int       `json:"restarts"`
	Started  time.Time `json:"started,omitzero"`
	LastExit string    `json:"last_exit,omitempty"`
}

type slot struct {
	index    int
	id       string
	pid      int
	running  bool
	restarts int
	started  time.Time
	lastExit string
}

// Pool owns the worker slots.
type Pool struct {
	opts Options

	mu      sync.Mutex
	slots   []*slot
	started bool
	wg      sync.WaitGroup
}

// New validates opts and returns an unstarted Pool.
func New(opts Options) (*Pool, error) {
	if opts.Count < 1 {
		return nil, fmt.Errorf("pool: worker count must be at least 1, got %d", opts.Count)
	}
	if opts.WorkerAddr == "" {
		return nil, errors.New("pool: worker address is required")
	}
	switch opts.Mode {
	case config.WorkerModeProcess:
		if opts.Executable == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("pool: resolve executable: %w", err)
			}
			opts.Executable = exe
		}
	case config.WorkerModeGoroutine:
		if opts.NewProcessor == nil {
			return nil, errors.New("pool: goroutine mode requires a processor factory")
		}
	default:
		return nil, fmt.Errorf("pool: unknown worker mode %q", opts.Mode)
	}

	p := &Pool{opts: opts}
	for i := range opts.Count {
		p.slots = append(p.slots, &slot{index: i, id: uuid.NewString()})
	}
	return p, nil
}

// Start launches every slot. Workers stop when ctx is cancelled; call Wait
// to block until they have exited.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool: already started")
	}
	p.started = true

	for _, s := range p.slots {
		switch p.opts.Mode {
		case config.WorkerModeProcess:
			p.wg.Go(func() { p.superviseProcess(ctx, s) })
		case config.WorkerModeGoroutine:
			p.startGoroutine(ctx, s)
		}
	}
	slog.Info("[pool] started workers", "mode", p.opts.Mode, "count", len(p.slots), "dispatcher", p.opts.WorkerAddr)
	return nil
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Status reports every slot. Process liveness is checked against the OS.
func (p *Pool) Status() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		st := SlotStatus{
			Index:    s.index,
			ID:       s.id,
			Mode:     p.opts.Mode,
			PID:      s.pid,
			Restarts: s.restarts,
			Started:  s.started,
			LastExit: s.lastExit,
			Alive:    s.running,
		}
		if p.opts.Mode == config.WorkerModeProcess {
			st.Alive = s.running && processAlive(s.pid)
		}
		out = append(out, st)
	}
	return out
}

// Probe logs the liveness of every slot. The dispatcher calls it when a
// worker connection drops, to tell a crashed process from a lost socket.
func (p *Pool) Probe() {
	alive := 0
	for _, st := range p.Status() {
		if st.Alive {
			alive++
			continue
		}
		slog.Warn("[pool] worker slot down", "slot", st.Index, "worker", st.ID, "pid", st.PID,
			"restarts", st.Restarts, "lastExit", st.LastExit)
	}
	slog.Info("[pool] probe", "alive", alive, "total", len(p.slots))
}

func (p *Pool) superviseProcess(ctx context.Context, s *slot) {
	backoff := workerutil.NewBackoff(p.opts.RestartBackoff, p.opts.MaxRestartBackoff)
	for ctx.Err() == nil {
		startedAt := time.Now()
		err := p.runProcess(ctx, s)
		if ctx.Err() != nil {
			return
		}
		if time.Since(startedAt) >= stableRunDuration {
			backoff.Reset()
		}
		delay := backoff.Next()

		p.mu.Lock()
		s.restarts++
		restarts := s.restarts
		p.mu.Unlock()
		slog.Warn("[pool] worker process exited, restarting",
			"slot", s.index, "worker", s.id, "error", err, "restarts", restarts, "delay", delay)
		if !workerutil.Sleep(ctx, delay) {
			return
		}
	}
}

func (p *Pool) runProcess(ctx context.Context, s *slot) error {
	args := append([]string{"worker", "--worker-id", s.id, "--dispatcher", p.opts.WorkerAddr}, p.opts.Args...)
	cmd := exec.CommandContext(ctx, p.opts.Executable, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGracePeriod
	procutil.Isolate(cmd)

	if err := cmd.Start(); err != nil {
		p.recordExit(s, err)
		return fmt.Errorf("start worker: %w", err)
	}
	p.mu.Lock()
	s.pid = cmd.Process.Pid
	s.running = true
	s.started = time.Now()
	p.mu.Unlock()
	slog.Info("[pool] worker process started", "slot", s.index, "worker", s.id, "pid", cmd.Process.Pid)

	err := cmd.Wait()
	p.recordExit(s, err)
	return err
}

func (p *Pool) recordExit(s *slot, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.running = false
	if err != nil {
		s.lastExit = err.Error()
	} else {
		s.lastExit = "exit status 0"
	}
}

func (p *Pool) startGoroutine(ctx context.Context, s *slot) {
	workerutil.RunWithPanicRecovery(ctx, s.id, &p.wg, func(ctx context.Context) error {
		p.mu.Lock()
		s.running = true
		s.started = time.Now()
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			s.running = false
			p.mu.Unlock()
		}()

		proc, err := p.opts.NewProcessor()
		if err != nil {
			p.recordExit(s, err)
			return fmt.Errorf("build processor: %w", err)
		}
		if err := worker.New(s.id, p.opts.WorkerAddr, proc, p.opts.Worker).Run(ctx); err != nil {
			p.recordExit(s, err)
			return err
		}
		return nil
	}, workerutil.RecoveryOptions{
		InitialBackoff:  p.opts.RestartBackoff,
		MaxBackoff:      p.opts.MaxRestartBackoff,
		MaxRetries:      -1,
		RestartOnReturn: true,
		OnFailure: func(_ string, _ int, err error) {
			p.mu.Lock()
			s.restarts++
			s.lastExit = err.Error()
			restarts := s.restarts
			p.mu.Unlock()
			slog.Error("[pool] worker failed, restarting", "slot", s.index, "worker", s.id, "error", err, "restarts", restarts)
		},
	})
}
