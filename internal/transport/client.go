// Package transport provides the dialing side of the dispatcher framing:
// a blocking request/response Client used by workers and tools, and a
// reconnecting AsyncClient used by interactive clients.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"gtcpd/internal/frame"
)

const defaultDialTimeout = 5 * time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: client closed")

// KeepAlive configures TCP keep-alive probes on dialed connections.
type KeepAlive struct {
	Enabled  bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Options configures a Client.
type Options struct {
	// Timeout bounds each read and write. 0 means no timeout.
	Timeout     time.Duration
	DialTimeout time.Duration
	KeepAlive   KeepAlive
	// MaxPacketSize bounds received frame bodies.
	MaxPacketSize uint32
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = frame.DefaultMaxPacketSize
	}
	return o
}

func dial(ctx context.Context, addr string, opts Options) (net.Conn, error) {
	d := net.Dialer{
		Timeout: opts.DialTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   opts.KeepAlive.Enabled,
			Idle:     opts.KeepAlive.Idle,
			Interval: opts.KeepAlive.Interval,
			Count:    opts.KeepAlive.Count,
		},
	}
	if !opts.KeepAlive.Enabled {
		d.KeepAlive = -1
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Client is a blocking framed connection to one address. It connects lazily
// and reconnects once when a send or request fails.
//
// Writes are serialized internally; reads must come from one goroutine.
type Client struct {
	addr string
	opts Options

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	writeMu sync.Mutex
}

// NewClient returns a Client for addr. No connection is made until first use.
func NewClient(addr string, opts Options) *Client {
	return &Client{addr: addr, opts: opts.withDefaults()}
}

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// Connect dials if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) connection(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := dial(ctx, c.addr, c.opts)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.addr, err)
	}
	c.conn = conn
	slog.Debug("[transport] connected", "addr", c.addr, "local", conn.LocalAddr().String())
	return conn, nil
}

// reset drops conn if it is still the current connection.
func (c *Client) reset(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != nil && c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Send writes one frame, reconnecting and retrying once on failure.
func (c *Client) Send(ctx context.Context, body []byte) error {
	err := c.send(ctx, body)
	if err == nil || errors.Is(err, ErrClosed) || ctx.Err() != nil {
		return err
	}
	slog.Debug("[transport] send failed, retrying once", "addr", c.addr, "error", err)
	return c.send(ctx, body)
}

func (c *Client) send(ctx context.Context, body []byte) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := c.applyDeadline(ctx, conn, conn.SetWriteDeadline)
	defer stop()
	if err := frame.Write(conn, body); err != nil {
		c.reset(conn)
		return fmt.Errorf("send to %s: %w", c.addr, err)
	}
	return nil
}

// Receive reads one frame. It does not retry.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	stop := c.applyDeadline(ctx, conn, conn.SetReadDeadline)
	defer stop()
	body, err := frame.Read(conn, c.opts.MaxPacketSize)
	if err != nil {
		c.reset(conn)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("receive from %s: %w", c.addr, err)
	}
	return body, nil
}

// Request sends body and waits for one reply frame. A failed attempt is
// retried once after reconnecting, except when it timed out.
func (c *Client) Request(ctx context.Context, body []byte) ([]byte, error) {
	resp, err := c.request(ctx, body)
	if err == nil || errors.Is(err, ErrClosed) || IsTimeout(err) || ctx.Err() != nil {
		return resp, err
	}
	slog.Debug("[transport] request failed, retrying once", "addr", c.addr, "error", err)
	return c.request(ctx, body)
}

func (c *Client) request(ctx context.Context, body []byte) ([]byte, error) {
	if err := c.send(ctx, body); err != nil {
		return nil, err
	}
	return c.Receive(ctx)
}

// RequestJSON marshals req, performs Request and unmarshals the reply into resp.
func (c *Client) RequestJSON(ctx context.Context, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	reply, err := c.Request(ctx, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply, resp); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	return nil
}

// Close closes the connection. Further calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// applyDeadline sets the per-operation deadline and interrupts the blocked
// operation when ctx is cancelled. The returned func undoes both.
func (c *Client) applyDeadline(ctx context.Context, conn net.Conn, set func(time.Time) error) func() {
	deadline := time.Time{}
	if c.opts.Timeout > 0 {
		deadline = time.Now().Add(c.opts.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := set(deadline); err != nil {
		slog.Debug("[transport] set deadline failed", "addr", c.addr, "error", err)
	}
	stopAfter := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	})
	return func() { stopAfter() }
}

// IsConnectionError reports whether err came from failing to reach the peer.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// IsTimeout reports whether err is an I/O deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
