// Package dispatch wraps one accepted dispatcher socket, client-facing or
// worker-facing, in a framed connection.
//
// Invariants:
//   - A connection reads frames strictly sequentially: header, body, callback,
//     then the next header. A new header read is issued only after the packet
//     callback for the previous body returns.
//   - A header declaring a length outside [0, MaxPacketSize) closes the
//     connection before any body byte is consumed by the state machine.
//   - The close callback runs exactly once per started connection, from the
//     reader goroutine, after the socket is closed.
//   - Send never blocks: frames go through a bounded queue drained by a
//     dedicated writer goroutine. A full queue closes the connection.
package dispatch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"gtcpd/internal/endpoint"
	"gtcpd/internal/frame"
)

// readBufferSize sizes the per-connection bufio.Reader.
const readBufferSize = 64 * 1024

var (
	// ErrClosed is returned by Send after the connection has been closed.
	ErrClosed = errors.New("dispatch: connection closed")
	// ErrSendQueueFull is returned when the peer does not drain its outbound queue.
	ErrSendQueueFull = errors.New("dispatch: send queue full")
)

// State is the read state machine position.
type State int32

const (
	AwaitingHeader State = iota
	AwaitingBody
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingBody:
		return "awaiting-body"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// KeepAlive mirrors the TCP keep-alive probe settings.
type KeepAlive struct {
	Enabled  bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Options configures a connection.
type Options struct {
	MaxPacketSize uint32
	SendQueueSize int
	// WriteTimeout bounds every socket write. 0 means no deadline.
	WriteTimeout time.Duration
	KeepAlive    KeepAlive
	// RandomSalt mixes a random 16-bit salt into the connection stub.
	RandomSalt bool
}

func (o Options) withDefaults() Options {
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = frame.DefaultMaxPacketSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	return o
}

// Handler receives connection events. Both methods are called from the
// connection's reader goroutine.
type Handler interface {
	HandlePacket(c *Conn, body []byte)
	HandleClose(c *Conn)
}

// Conn is one framed dispatcher socket.
type Conn struct {
	nc         net.Conn
	id         endpoint.Stub
	remoteAddr string
	opts       Options
	handler    Handler

	label atomic.Pointer[string]
	state atomic.Int32

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	started   atomic.Bool
}

// New wraps nc. Reading does not begin until Start is called, so the owner
// can register the connection before its first packet can arrive.
func New(nc net.Conn, opts Options, h Handler) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		nc:         nc,
		remoteAddr: nc.RemoteAddr().String(),
		opts:       opts,
		handler:    h,
		out:        make(chan []byte, opts.SendQueueSize),
		done:       make(chan struct{}),
	}

	var salt uint16
	if opts.RandomSalt {
		salt = uint16(rand.IntN(0x10000))
	}
	id, err := endpoint.FromAddr(nc.RemoteAddr(), salt)
	if err != nil {
		// Non-IP transports (net.Pipe, unix sockets) get an unspecified address;
		// the salt still distinguishes them.
		slog.Debug("[dispatch] remote address is not ip:port", "remote", c.remoteAddr, "error", err)
		id = endpoint.Encode(netip.IPv6Unspecified(), 0, uint16(rand.IntN(0x10000)))
	}
	c.id = id
	c.SetLabel(id.String())

	c.setKeepAlive()
	return c
}

// setKeepAlive applies the keep-alive settings, turning probes off when
// disabled so the runtime's accept-time default does not linger.
func (c *Conn) setKeepAlive() {
	tcp, ok := c.nc.(*net.TCPConn)
	if !ok {
		return
	}
	ka := c.opts.KeepAlive
	if err := tcp.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   ka.Enabled,
		Idle:     ka.Idle,
		Interval: ka.Interval,
		Count:    ka.Count,
	}); err != nil {
		slog.Warn("[dispatch] failed to set keep-alive", "remote", c.remoteAddr, "error", err)
	}
}

// ID returns the connection stub.
func (c *Conn) ID() endpoint.Stub { return c.id }

// Label is the identity used in logs: the hex stub for clients, a UUID for workers.
func (c *Conn) Label() string { return *c.label.Load() }

// SetLabel replaces the log identity.
func (c *Conn) SetLabel(label string) { c.label.Store(&label) }

// RemoteAddr returns the peer address as "ip:port".
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// State reports the read state machine position.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start launches the reader and writer goroutines. Calling it twice is a no-op.
func (c *Conn) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

// Send queues body as one frame. It never blocks.
func (c *Conn) Send(body []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	buf := frame.Encode(body)
	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		slog.Warn("[dispatch] send queue full, closing connection",
			"conn", c.Label(), "remote", c.remoteAddr, "queued", len(c.out))
		_ = c.Close()
		return ErrSendQueueFull
	}
}

// Close closes the socket. It is idempotent and safe from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		close(c.done)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *Conn) readLoop() {
	defer func() {
		_ = c.Close()
		c.handler.HandleClose(c)
	}()

	reader := bufio.NewReaderSize(c.nc, readBufferSize)
	var header [frame.HeaderSize]byte
	for {
		c.state.CompareAndSwap(int32(AwaitingBody), int32(AwaitingHeader))
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			c.logReadError("header", err)
			return
		}
		size, err := frame.DecodeHeader(header[:])
		if err != nil {
			slog.Error("[dispatch] header decode failed", "conn", c.Label(), "remote", c.remoteAddr, "error", err)
			return
		}
		if err := frame.CheckLength(size, c.opts.MaxPacketSize); err != nil {
			slog.Error("[dispatch] body size overflow",
				"conn", c.Label(), "remote", c.remoteAddr, "size", size, "max", c.opts.MaxPacketSize)
			return
		}

		if !c.state.CompareAndSwap(int32(AwaitingHeader), int32(AwaitingBody)) {
			return // closed concurrently
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(reader, body); err != nil {
			c.logReadError("body", err)
			return
		}
		c.handler.HandlePacket(c, body)
	}
}

func (c *Conn) logReadError(stage string, err error) {
	select {
	case <-c.done:
		// Closed locally; the read error is the expected consequence.
		return
	default:
	}
	switch {
	case errors.Is(err, io.EOF) && stage == "header":
		slog.Debug("[dispatch] peer closed connection", "conn", c.Label(), "remote", c.remoteAddr)
	case errors.Is(err, io.ErrUnexpectedEOF):
		slog.Error("[dispatch] truncated frame", "conn", c.Label(), "remote", c.remoteAddr, "stage", stage)
	default:
		slog.Warn("[dispatch] read failed", "conn", c.Label(), "remote", c.remoteAddr, "stage", stage, "error", err)
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.out:
			if c.opts.WriteTimeout > 0 {
				if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
					slog.Warn("[dispatch] SetWriteDeadline failed, closing connection", "conn", c.Label(), "error", err)
					_ = c.Close()
					return
				}
			}
			if _, err := c.nc.Write(buf); err != nil {
				select {
				case <-c.done:
				default:
					slog.Warn("[dispatch] write failed, closing connection",
						"conn", c.Label(), "remote", c.remoteAddr, "error", err)
				}
				_ = c.Close()
				return
			}
		}
	}
}
