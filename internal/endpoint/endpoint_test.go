package endpoint

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		ip          string
		port        uint16
		salt        uint16
		wantAddress string
	}{
		{name: "ipv4", ip: "192.168.1.20", port: 18800, salt: 0, wantAddress: "192.168.1.20:18800"},
		{name: "ipv4 salted", ip: "10.0.0.1", port: 1, salt: 0xbeef, wantAddress: "10.0.0.1:1"},
		{name: "ipv6 loopback", ip: "::1", port: 65535, salt: 7, wantAddress: "[::1]:65535"},
		{name: "ipv6 global", ip: "2001:db8::42", port: 443, salt: 0xffff, wantAddress: "[2001:db8::42]:443"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := netip.MustParseAddr(tt.ip)
			stub := Encode(ip, tt.port, tt.salt)

			e := New(stub)
			if e.IP() != ip {
				t.Errorf("IP() = %v, want %v", e.IP(), ip)
			}
			if e.Port() != tt.port {
				t.Errorf("Port() = %d, want %d", e.Port(), tt.port)
			}
			if e.Address() != tt.wantAddress {
				t.Errorf("Address() = %q, want %q", e.Address(), tt.wantAddress)
			}
			if stub.Salt() != tt.salt {
				t.Errorf("Salt() = %#x, want %#x", stub.Salt(), tt.salt)
			}
		})
	}
}

func TestEncodeIPv4UsesMappedPrefix(t *testing.T) {
	stub := Encode(netip.MustParseAddr("1.2.3.4"), 0x1234, 0xabcd)
	want := []byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 1, 2, 3, 4,
		0x12, 0x34,
		0xab, 0xcd,
	}
	if !bytes.Equal(stub[:], want) {
		t.Fatalf("stub = %x, want %x", stub[:], want)
	}
}

func TestSaltDistinguishesSameFourTuple(t *testing.T) {
	ip := netip.MustParseAddr("127.0.0.1")
	a := Encode(ip, 5000, 1)
	b := Encode(ip, 5000, 2)
	if a == b {
		t.Fatal("stubs with different salts compare equal")
	}
	table := map[Stub]int{a: 1, b: 2}
	if len(table) != 2 {
		t.Fatalf("map holds %d entries, want 2", len(table))
	}
}

func TestFromAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("172.16.0.9"), Port: 9000}
	stub, err := FromAddr(addr, 0)
	if err != nil {
		t.Fatalf("FromAddr() error = %v", err)
	}
	if got := New(stub).Address(); got != "172.16.0.9:9000" {
		t.Fatalf("Address() = %q, want %q", got, "172.16.0.9:9000")
	}
}

func TestParseStubAndHex(t *testing.T) {
	stub := Encode(netip.MustParseAddr("8.8.8.8"), 53, 9)

	parsed, err := ParseHex(stub.String())
	if err != nil {
		t.Fatalf("ParseHex() error = %v", err)
	}
	if parsed != stub {
		t.Fatalf("ParseHex() = %v, want %v", parsed, stub)
	}

	if _, err := ParseStub(stub[:19]); !errors.Is(err, ErrInvalidStub) {
		t.Fatalf("ParseStub(19 bytes) error = %v, want ErrInvalidStub", err)
	}
}
