package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"gtcpd/internal/frame"
	"gtcpd/internal/workerutil"
)

const defaultMaxPending = 1024

// ErrBufferFull is returned by AsyncClient.Send when the disconnected-state
// buffer is full.
var ErrBufferFull = errors.New("transport: pending buffer full")

// AsyncHandlers are invoked from the AsyncClient's reader goroutine.
// Any of them may be nil. Panics are recovered and logged.
type AsyncHandlers struct {
	OnPacket     func(body []byte)
	OnConnect    func()
	OnDisconnect func(err error)
}

// AsyncOptions configures an AsyncClient.
type AsyncOptions struct {
	Options
	// MaxPending bounds frames buffered while disconnected.
	MaxPending        int
	ReconnectBackoff  time.Duration
	MaxReconnectDelay time.Duration
}

// AsyncClient keeps a connection open in the background, reconnecting with
// backoff. Frames sent while disconnected are buffered and flushed, in order,
// once the connection is re-established.
type AsyncClient struct {
	addr     string
	opts     AsyncOptions
	handlers AsyncHandlers

	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
	closed  bool
	cancel  context.CancelFunc

	// flushing is set while attach drains pending; Send keeps buffering so
	// new frames stay behind older ones.
	flushing bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewAsyncClient returns a client for addr. Call Start to begin connecting.
func NewAsyncClient(addr string, opts AsyncOptions, h AsyncHandlers) *AsyncClient {
	opts.Options = opts.Options.withDefaults()
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	return &AsyncClient{addr: addr, opts: opts, handlers: h}
}

// Start launches the connect/read loop. It stops when ctx is cancelled or
// Close is called.
func (a *AsyncClient) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.closed || a.cancel != nil {
		a.mu.Unlock()
		cancel()
		return
	}
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Go(func() { a.run(ctx) })
}

// Connected reports whether the client currently holds a connection.
func (a *AsyncClient) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Pending returns the number of buffered frames.
func (a *AsyncClient) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// ClearBuffer drops every buffered frame.
func (a *AsyncClient) ClearBuffer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
}

// Send writes body as one frame, or buffers it while disconnected.
func (a *AsyncClient) Send(body []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	conn := a.conn
	if conn == nil || a.flushing {
		defer a.mu.Unlock()
		return a.bufferLocked(body)
	}
	a.mu.Unlock()

	if err := a.write(conn, body); err != nil {
		slog.Debug("[transport] async write failed, buffering", "addr", a.addr, "error", err)
		_ = conn.Close()
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.bufferLocked(body)
	}
	return nil
}

func (a *AsyncClient) bufferLocked(body []byte) error {
	if len(a.pending) >= a.opts.MaxPending {
		return ErrBufferFull
	}
	a.pending = append(a.pending, append([]byte(nil), body...))
	return nil
}

func (a *AsyncClient) write(conn net.Conn, body []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.opts.Timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(a.opts.Timeout))
	}
	return frame.Write(conn, body)
}

// Close stops the client and waits for its goroutine to exit.
func (a *AsyncClient) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	conn := a.conn
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.wg.Wait()
	return err
}

func (a *AsyncClient) run(ctx context.Context) {
	backoff := workerutil.NewBackoff(a.opts.ReconnectBackoff, a.opts.MaxReconnectDelay)
	for ctx.Err() == nil {
		conn, err := dial(ctx, a.addr, a.opts.Options)
		if err != nil {
			delay := backoff.Next()
			slog.Debug("[transport] async connect failed", "addr", a.addr, "error", err, "retryIn", delay)
			if !workerutil.Sleep(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()

		if !a.attach(conn) {
			_ = conn.Close()
			return
		}
		a.invoke("OnConnect", func() {
			if a.handlers.OnConnect != nil {
				a.handlers.OnConnect()
			}
		})

		err = a.readLoop(ctx, conn)
		a.detach(conn)
		a.invoke("OnDisconnect", func() {
			if a.handlers.OnDisconnect != nil {
				a.handlers.OnDisconnect(err)
			}
		})
		if ctx.Err() == nil {
			slog.Info("[transport] connection lost, reconnecting", "addr", a.addr, "error", err)
		}
	}
}

// attach installs conn and flushes the pending buffer in order, including
// frames sent while the flush runs. It reports false when the client was
// closed meanwhile.
func (a *AsyncClient) attach(conn net.Conn) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.conn = conn
	a.flushing = true
	a.mu.Unlock()

	flushed := 0
	for {
		a.mu.Lock()
		batch := a.pending
		a.pending = nil
		if len(batch) == 0 {
			a.flushing = false
			a.mu.Unlock()
			break
		}
		a.mu.Unlock()

		for i, body := range batch {
			if err := a.write(conn, body); err != nil {
				slog.Debug("[transport] flush failed", "addr", a.addr, "error", err, "flushed", flushed)
				_ = conn.Close()
				a.mu.Lock()
				a.pending = append(batch[i:], a.pending...)
				a.flushing = false
				a.mu.Unlock()
				return true
			}
			flushed++
		}
	}
	slog.Debug("[transport] async connected", "addr", a.addr, "flushed", flushed)
	return true
}

func (a *AsyncClient) detach(conn net.Conn) {
	_ = conn.Close()
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
}

func (a *AsyncClient) readLoop(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		body, err := frame.Read(conn, a.opts.MaxPacketSize)
		if err != nil {
			return fmt.Errorf("read from %s: %w", a.addr, err)
		}
		a.invoke("OnPacket", func() {
			if a.handlers.OnPacket != nil {
				a.handlers.OnPacket(body)
			}
		})
	}
}

func (a *AsyncClient) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[transport] handler panicked",
				"handler", name, "addr", a.addr, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
