// Package scheduler matches client tasks to worker connections.
//
// All tables and queues are owned by a single event-loop goroutine started by
// Run. Accept loops and per-connection reader goroutines only post events to
// that loop, so the matching algorithm runs one step at a time without locks.
//
// Invariants maintained by the loop:
//   - a worker is in the idle queue if and only if it has no running task;
//   - the waiting queue is empty whenever the idle queue is non-empty;
//   - a task is assigned to at most one worker;
//   - tasks are assigned in the order they were enqueued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gtcpd/internal/config"
	"gtcpd/internal/dispatch"
	"gtcpd/internal/endpoint"
	"gtcpd/internal/protocol"
)

const defaultEventBuffer = 4096

var (
	// ErrOverloaded is reported when the waiting-task queue is full.
	ErrOverloaded = errors.New("scheduler: waiting queue full")
	// ErrStopped is returned by Snapshot after the event loop has exited.
	ErrStopped = errors.New("scheduler: stopped")
)

// Peer is one dispatcher-side connection as seen by the scheduler.
// *dispatch.Conn implements it.
type Peer interface {
	ID() endpoint.Stub
	Label() string
	Send(body []byte) error
	Close() error
}

// Config configures a Scheduler.
type Config struct {
	ClientAddrs []string
	WorkerAddr  string
	// MaxQueueSize bounds the waiting-task queue. 0 means unbounded.
	MaxQueueSize int
	// TaskTimeout is the per-task deadline. 0 disables it.
	TaskTimeout time.Duration
	ClientConn  dispatch.Options
	WorkerConn  dispatch.Options
	EventBuffer int
}

// FromConfig derives the scheduler settings from the dispatcher configuration.
func FromConfig(cfg config.Config) Config {
	keepAlive := dispatch.KeepAlive{
		Enabled:  cfg.KeepAlive.Enabled,
		Idle:     cfg.KeepAlive.Idle,
		Interval: cfg.KeepAlive.Interval,
		Count:    cfg.KeepAlive.Count,
	}
	conn := dispatch.Options{
		MaxPacketSize: uint32(cfg.MaxPacketSize),
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		KeepAlive:     keepAlive,
	}
	client := conn
	client.RandomSalt = cfg.ConnectionIDRandomPadding
	// Worker frames carry the command header on top of a client-sized payload.
	workerConn := conn
	workerConn.MaxPacketSize += protocol.HeaderSize

	addrs := make([]string, 0, len(cfg.Listen))
	for _, ep := range cfg.Listen {
		addrs = append(addrs, ep.String())
	}
	return Config{
		ClientAddrs:  addrs,
		WorkerAddr:   cfg.WorkerEndpoint.String(),
		MaxQueueSize: cfg.MaxQueueSize,
		TaskTimeout:  cfg.TaskTimeout,
		ClientConn:   client,
		WorkerConn:   workerConn,
	}
}

// Scheduler is the worker-pool dispatcher.
type Scheduler struct {
	cfg         Config
	taskTimeout atomic.Int64

	events chan any
	done   chan struct{}

	observers    []Observer
	onWorkerLost func(label string)

	mu              sync.Mutex
	clientListeners []net.Listener
	workerListener  net.Listener
	running         bool
	wg              sync.WaitGroup

	// Loop-owned state.
	clients map[endpoint.Stub]Peer
	workers map[Peer]*workerState
	idle    fifo[*workerState]
	waiting fifo[*task]
	taskSeq uint64
	stats   Stats
}

type task struct {
	seq      uint64
	client   Peer
	stub     endpoint.Stub
	command  protocol.Command
	payload  []byte
	assigned time.Time
}

type workerState struct {
	peer    Peer
	running *task
	timer   *time.Timer
}

// New returns a Scheduler. Call Listen (optional) and then Run.
func New(cfg Config) *Scheduler {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	s := &Scheduler{
		cfg:     cfg,
		events:  make(chan any, cfg.EventBuffer),
		done:    make(chan struct{}),
		clients: make(map[endpoint.Stub]Peer),
		workers: make(map[Peer]*workerState),
	}
	s.taskTimeout.Store(int64(cfg.TaskTimeout))
	return s
}

// AddObserver registers o. It must be called before Run.
func (s *Scheduler) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// OnWorkerLost registers fn, called on its own goroutine with the worker label
// whenever a worker connection closes. It must be called before Run.
func (s *Scheduler) OnWorkerLost(fn func(label string)) {
	s.onWorkerLost = fn
}

// SetTaskTimeout changes the deadline applied to tasks assigned from now on.
func (s *Scheduler) SetTaskTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if old := time.Duration(s.taskTimeout.Swap(int64(d))); old != d {
		slog.Info("[scheduler] task timeout changed", "old", old, "new", d)
	}
}

// TaskTimeout returns the current per-task deadline.
func (s *Scheduler) TaskTimeout() time.Duration {
	return time.Duration(s.taskTimeout.Load())
}

// Listen binds the client listeners and the worker listener.
func (s *Scheduler) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workerListener != nil {
		return errors.New("scheduler: already listening")
	}
	if len(s.cfg.ClientAddrs) == 0 {
		return errors.New("scheduler: no client listen address")
	}

	var bound []net.Listener
	closeBound := func() {
		for _, ln := range bound {
			_ = ln.Close()
		}
	}
	for _, addr := range s.cfg.ClientAddrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeBound()
			return fmt.Errorf("listen clients %s: %w", addr, err)
		}
		bound = append(bound, ln)
	}
	workerLn, err := net.Listen("tcp", s.cfg.WorkerAddr)
	if err != nil {
		closeBound()
		return fmt.Errorf("listen workers %s: %w", s.cfg.WorkerAddr, err)
	}

	s.clientListeners = bound
	s.workerListener = workerLn
	for _, ln := range bound {
		slog.Info("[scheduler] listening for clients", "addr", ln.Addr().String())
	}
	slog.Info("[scheduler] listening for workers", "addr", workerLn.Addr().String())
	return nil
}

// ClientAddrs returns the bound client listener addresses.
func (s *Scheduler) ClientAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.clientListeners))
	for _, ln := range s.clientListeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// WorkerAddr returns the bound worker listener address, or nil before Listen.
func (s *Scheduler) WorkerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workerListener == nil {
		return nil
	}
	return s.workerListener.Addr()
}

// Run accepts connections and runs the event loop until ctx is cancelled.
// It binds the listeners first if Listen has not been called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	needListen := s.workerListener == nil
	s.mu.Unlock()

	if needListen {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	clientLns := append([]net.Listener(nil), s.clientListeners...)
	workerLn := s.workerListener
	s.mu.Unlock()

	for _, ln := range clientLns {
		s.wg.Go(func() { dispatch.AcceptLoop(ctx, ln, s.acceptClient) })
	}
	s.wg.Go(func() { dispatch.AcceptLoop(ctx, workerLn, s.acceptWorker) })

	s.loop(ctx)

	for _, ln := range clientLns {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("[scheduler] failed to close client listener", "error", err)
		}
	}
	if err := workerLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("[scheduler] failed to close worker listener", "error", err)
	}
	s.wg.Wait()
	s.closeAll()
	slog.Info("[scheduler] stopped")
	return nil
}

// Snapshot returns the scheduler counters, read on the event loop.
func (s *Scheduler) Snapshot(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !s.postContext(ctx, snapshotRequest{reply: reply}) {
		if ctx.Err() != nil {
			return Stats{}, ctx.Err()
		}
		return Stats{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-s.done:
		return Stats{}, ErrStopped
	}
}

func (s *Scheduler) acceptClient(nc net.Conn) {
	c := dispatch.New(nc, s.cfg.ClientConn, clientHandler{s})
	if !s.post(clientConnected{peer: c}) {
		_ = c.Close()
		return
	}
	c.Start()
}

func (s *Scheduler) acceptWorker(nc net.Conn) {
	c := dispatch.New(nc, s.cfg.WorkerConn, workerHandler{s})
	c.SetLabel(uuid.NewString())
	if !s.post(workerConnected{peer: c}) {
		_ = c.Close()
		return
	}
	c.Start()
}

// post hands ev to the event loop. It reports false once the loop has exited.
func (s *Scheduler) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Scheduler) postContext(ctx context.Context, ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

type clientHandler struct{ s *Scheduler }

func (h clientHandler) HandlePacket(c *dispatch.Conn, body []byte) {
	h.s.post(clientPacket{peer: c, body: body})
}

func (h clientHandler) HandleClose(c *dispatch.Conn) {
	h.s.post(clientClosed{peer: c})
}

type workerHandler struct{ s *Scheduler }

func (h workerHandler) HandlePacket(c *dispatch.Conn, body []byte) {
	h.s.post(workerPacket{peer: c, body: body})
}

func (h workerHandler) HandleClose(c *dispatch.Conn) {
	h.s.post(workerClosed{peer: c})
}
