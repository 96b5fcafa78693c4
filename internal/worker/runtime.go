// Package worker runs an application Processor against the dispatcher's
// worker listener: one task frame in, one reply frame out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"gtcpd/internal/endpoint"
	"gtcpd/internal/protocol"
	"gtcpd/internal/transport"
	"gtcpd/internal/workerutil"
)

// ErrNotConnected is returned by SendPacket while the runtime has no
// dispatcher connection.
var ErrNotConnected = errors.New("worker: not connected")

// Options configures a Runtime.
type Options struct {
	Transport         transport.Options
	ReconnectBackoff  time.Duration
	MaxReconnectDelay time.Duration
}

// Runtime is one worker's connection loop.
type Runtime struct {
	id   string
	addr string
	proc Processor
	opts Options

	mu     sync.Mutex
	client *transport.Client
}

// New returns a Runtime. An empty id is replaced by a random UUID.
func New(id, addr string, proc Processor, opts Options) *Runtime {
	if id == "" {
		id = uuid.NewString()
	}
	// Tasks arrive whenever clients send; the worker waits indefinitely.
	opts.Transport.Timeout = 0
	return &Runtime{id: id, addr: addr, proc: proc, opts: opts}
}

// ID returns the worker identity used in logs.
func (r *Runtime) ID() string { return r.id }

// SendPacket emits a NOTIFY frame for client.
func (r *Runtime) SendPacket(client endpoint.Stub, payload []byte) error {
	r.mu.Lock()
	c := r.client
	r.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(context.Background(), protocol.Encode(protocol.Notify, client, payload))
}

// Run initializes the processor and serves tasks until ctx is cancelled,
// reconnecting without limit whenever the connection fails or the processor
// errors. Only an OnInit failure is returned.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.proc.OnInit(ctx, r); err != nil {
		return fmt.Errorf("worker %s: init processor: %w", r.id, err)
	}

	backoff := workerutil.NewBackoff(r.opts.ReconnectBackoff, r.opts.MaxReconnectDelay)
	for ctx.Err() == nil {
		c := transport.NewClient(r.addr, r.opts.Transport)
		if err := c.Connect(ctx); err != nil {
			delay := backoff.Next()
			slog.Debug("[worker] connect failed", "worker", r.id, "addr", r.addr, "error", err, "retryIn", delay)
			if !workerutil.Sleep(ctx, delay) {
				break
			}
			continue
		}
		backoff.Reset()
		r.setClient(c)
		slog.Info("[worker] connected to dispatcher", "worker", r.id, "addr", r.addr)

		err := r.serve(ctx, c)
		r.setClient(nil)
		_ = c.Close()
		if ctx.Err() != nil {
			break
		}
		slog.Warn("[worker] connection reset, reconnecting", "worker", r.id, "error", err)
	}
	slog.Info("[worker] stopped", "worker", r.id)
	return nil
}

func (r *Runtime) setClient(c *transport.Client) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

func (r *Runtime) serve(ctx context.Context, c *transport.Client) error {
	for {
		body, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		pkt, err := protocol.Decode(body)
		if err != nil {
			return fmt.Errorf("decode task: %w", err)
		}

		reply, err := r.handle(ctx, pkt)
		if err != nil {
			return err
		}

		cmd := protocol.Relay
		if reply == nil {
			cmd = protocol.None
		}
		if err := c.Send(ctx, protocol.Encode(cmd, pkt.Client, reply)); err != nil {
			return err
		}
	}
}

// handle invokes the processor callback for pkt, converting a panic into an error.
func (r *Runtime) handle(ctx context.Context, pkt protocol.Packet) (reply []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[worker] processor panicked",
				"worker", r.id, "command", pkt.Command.String(), "panic", rec, "stack", string(debug.Stack()))
			reply, err = nil, fmt.Errorf("processor panic: %v", rec)
		}
	}()

	client := endpoint.New(pkt.Client)
	switch pkt.Command {
	case protocol.Connect:
		reply, err = r.proc.OnClientConnect(ctx, client)
	case protocol.Relay:
		reply, err = r.proc.OnPacket(ctx, client, pkt.Payload)
	case protocol.Disconnect:
		err = r.proc.OnClientDisconnect(ctx, client)
	default:
		slog.Warn("[worker] unexpected command from dispatcher", "worker", r.id, "command", pkt.Command.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%s for %s: %w", pkt.Command, client, err)
	}
	return reply, nil
}
