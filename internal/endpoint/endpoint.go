// Package endpoint encodes a client connection's identity as a fixed 20-byte
// stub: a 16-byte IPv6 (or IPv4-mapped) address, a 2-byte port and a 2-byte
// salt, with port and salt in network byte order.
//
// A Stub is comparable and is used directly as a map key by the dispatcher and
// as the routing address inside dispatcher packets.
package endpoint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"gtcpd/internal/bytebuf"
)

const (
	// Size is the encoded stub length.
	Size = 20
	// IPSize is the address part of the stub.
	IPSize = 16
)

// v4Prefix is the 12-byte IPv4-mapped IPv6 prefix (::ffff:0:0/96).
var v4Prefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// ErrInvalidStub is returned when a byte slice is not exactly Size bytes long.
var ErrInvalidStub = errors.New("endpoint: invalid stub length")

// Stub is the opaque encoded identity of one client connection.
type Stub [Size]byte

// Encode packs ip, port and salt into a Stub. IPv4 addresses are stored with
// the IPv4-mapped prefix; IPv6 addresses are stored verbatim.
func Encode(ip netip.Addr, port, salt uint16) Stub {
	var s Stub
	raw := ip.As16()
	if ip.Is4() {
		copy(raw[:12], v4Prefix[:])
	}
	w := bytebuf.NewWriter(binary.BigEndian, Size)
	w.AddBuffer(raw[:])
	w.AddUint16(port)
	w.AddUint16(salt)
	copy(s[:], w.Bytes())
	return s
}

// FromAddr builds a Stub from a connection's remote address.
func FromAddr(addr net.Addr, salt uint16) (Stub, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return Stub{}, fmt.Errorf("endpoint: unusable address %v", addr)
		}
		return Encode(ip, uint16(a.Port), salt), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return Stub{}, fmt.Errorf("endpoint: parse %q: %w", addr.String(), err)
		}
		return Encode(ap.Addr(), ap.Port(), salt), nil
	}
}

// ParseStub copies b into a Stub.
func ParseStub(b []byte) (Stub, error) {
	var s Stub
	if len(b) != Size {
		return s, fmt.Errorf("%w: %d", ErrInvalidStub, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// ParseHex decodes the hex form produced by Stub.String.
func ParseHex(text string) (Stub, error) {
	raw, err := hex.DecodeString(text)
	if err != nil {
		return Stub{}, fmt.Errorf("endpoint: decode hex: %w", err)
	}
	return ParseStub(raw)
}

// String returns the lowercase hex encoding used in logs and session tables.
func (s Stub) String() string { return hex.EncodeToString(s[:]) }

// Salt returns the random padding mixed into the stub.
func (s Stub) Salt() uint16 { return binary.BigEndian.Uint16(s[IPSize+2:]) }

// Endpoint is a lazily decoded view of a Stub. The address is only parsed the
// first time IP, Port or Address is called.
type Endpoint struct {
	stub Stub

	once    sync.Once
	ip      netip.Addr
	port    uint16
	address string
}

// New returns an Endpoint for s.
func New(s Stub) *Endpoint { return &Endpoint{stub: s} }

// Stub returns the raw identity.
func (e *Endpoint) Stub() Stub { return e.stub }

func (e *Endpoint) parse() {
	e.once.Do(func() {
		r := bytebuf.NewReader(e.stub[:], binary.BigEndian)
		raw := r.Buffer(IPSize)
		e.port = r.Uint16()
		e.ip = netip.AddrFrom16([16]byte(raw)).Unmap()
		e.address = netip.AddrPortFrom(e.ip, e.port).String()
	})
}

// IP returns the remote address. IPv4-mapped addresses are returned as IPv4.
func (e *Endpoint) IP() netip.Addr {
	e.parse()
	return e.ip
}

// Port returns the remote port.
func (e *Endpoint) Port() uint16 {
	e.parse()
	return e.port
}

// Address returns "ip:port" ("[ip]:port" for IPv6).
func (e *Endpoint) Address() string {
	e.parse()
	return e.address
}

func (e *Endpoint) String() string { return e.Address() }
