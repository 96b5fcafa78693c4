// Package protocol defines the dispatcher body layout shared by the dispatcher
// and its workers:
//
//	[1-byte command][20-byte client stub][N-byte application payload]
//
// The command byte is decoded once, at the frame boundary, into a closed set of
// Command values.
package protocol

import (
	"errors"
	"fmt"

	"gtcpd/internal/bytebuf"
	"gtcpd/internal/endpoint"
)

// Command identifies what a dispatcher packet asks the receiver to do.
type Command byte

const (
	// Relay forwards an application payload.
	Relay Command = 0x00
	// None acknowledges a task without a payload.
	None Command = 0x01
	// Error is reserved for signalling failures.
	Error Command = 0x02
	// Connect tells a worker that a client connected.
	Connect Command = 0x11
	// Disconnect tells a worker that a client went away.
	Disconnect Command = 0x12
	// Notify is a worker-initiated push to any client.
	Notify Command = 0x13
)

const (
	// CommandSize is the width of the command field.
	CommandSize = 1
	// HeaderSize is the command plus the client stub.
	HeaderSize = CommandSize + endpoint.Size
)

var (
	ErrShortPacket    = errors.New("protocol: packet shorter than header")
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// ParseCommand maps a raw byte onto the closed command set.
func ParseCommand(b byte) (Command, error) {
	switch c := Command(b); c {
	case Relay, None, Error, Connect, Disconnect, Notify:
		return c, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, b)
	}
}

func (c Command) String() string {
	switch c {
	case Relay:
		return "RELAY"
	case None:
		return "NONE"
	case Error:
		return "ERROR"
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Notify:
		return "NOTIFY"
	default:
		return fmt.Sprintf("Command(0x%02x)", byte(c))
	}
}

// CompletesTask reports whether a worker reply with this command finishes the
// worker's outstanding task. Notify is a side-channel push and never does.
func (c Command) CompletesTask() bool { return c != Notify }

// Forwards reports whether the dispatcher routes the payload of a worker reply
// with this command to the addressed client.
func (c Command) Forwards() bool { return c == Relay || c == Notify }

// Packet is one decoded dispatcher body.
type Packet struct {
	Command Command
	Client  endpoint.Stub
	Payload []byte
}

// Encode serializes the packet into a frame body.
func Encode(cmd Command, client endpoint.Stub, payload []byte) []byte {
	w := bytebuf.NewWriter(nil, HeaderSize+len(payload))
	w.AddUint8(byte(cmd))
	w.AddBuffer(client[:])
	w.AddBuffer(payload)
	return w.Bytes()
}

// Encode serializes p.
func (p Packet) Encode() []byte { return Encode(p.Command, p.Client, p.Payload) }

// Decode parses a frame body. The payload aliases body.
func Decode(body []byte) (Packet, error) {
	if len(body) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(body))
	}
	r := bytebuf.NewReader(body, nil)
	cmd, err := ParseCommand(r.Uint8())
	if err != nil {
		return Packet{}, err
	}
	client, err := endpoint.ParseStub(r.Buffer(endpoint.Size))
	if err != nil {
		return Packet{}, err
	}
	return Packet{Command: cmd, Client: client, Payload: r.Remain()}, nil
}
