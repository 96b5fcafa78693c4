package protocol

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"gtcpd/internal/endpoint"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		raw     byte
		want    Command
		wantErr bool
	}{
		{raw: 0x00, want: Relay},
		{raw: 0x01, want: None},
		{raw: 0x02, want: Error},
		{raw: 0x11, want: Connect},
		{raw: 0x12, want: Disconnect},
		{raw: 0x13, want: Notify},
		{raw: 0x03, wantErr: true},
		{raw: 0x10, wantErr: true},
		{raw: 0xff, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownCommand) {
				t.Errorf("ParseCommand(%#x) error = %v, want ErrUnknownCommand", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseCommand(%#x) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestCompletesTask(t *testing.T) {
	for _, c := range []Command{Relay, None, Error, Connect, Disconnect} {
		if !c.CompletesTask() {
			t.Errorf("%v.CompletesTask() = false, want true", c)
		}
	}
	if Notify.CompletesTask() {
		t.Error("NOTIFY.CompletesTask() = true, want false")
	}
}

func TestEncodeDecode(t *testing.T) {
	client := endpoint.Encode(netip.MustParseAddr("10.1.2.3"), 4567, 89)
	body := Encode(Relay, client, []byte("ping"))

	if len(body) != HeaderSize+4 {
		t.Fatalf("len(body) = %d, want %d", len(body), HeaderSize+4)
	}
	if body[0] != byte(Relay) {
		t.Fatalf("command byte = %#x, want %#x", body[0], byte(Relay))
	}

	p, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Command != Relay || p.Client != client || !bytes.Equal(p.Payload, []byte("ping")) {
		t.Fatalf("Decode() = %+v", p)
	}
}

func TestDecodeHeaderOnly(t *testing.T) {
	var client endpoint.Stub
	p, err := Decode(Encode(None, client, nil))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Command != None || len(p.Payload) != 0 {
		t.Fatalf("Decode() = %+v, want NONE with empty payload", p)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortPacket) {
		t.Errorf("Decode(short) error = %v, want ErrShortPacket", err)
	}
	bad := make([]byte, HeaderSize)
	bad[0] = 0x7f
	if _, err := Decode(bad); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Decode(bad command) error = %v, want ErrUnknownCommand", err)
	}
}
