//go:build unix

package dispatch

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func soKeepAlive(t *testing.T, nc net.Conn) int {
	t.Helper()
	raw, err := nc.(*net.TCPConn).SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var v int
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		v, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE)
	}); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if sockErr != nil {
		t.Fatalf("getsockopt SO_KEEPALIVE: %v", sockErr)
	}
	return v
}

func TestNewAppliesKeepAliveSetting(t *testing.T) {
	tests := []struct {
		name string
		ka   KeepAlive
		want bool
	}{
		{name: "disabled", ka: KeepAlive{}, want: false},
		{name: "enabled", ka: KeepAlive{Enabled: true, Idle: time.Minute, Interval: 10 * time.Second, Count: 3}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := tcpPair(t)
			New(server, Options{KeepAlive: tt.ka}, newRecordingHandler())
			if got := soKeepAlive(t, server) != 0; got != tt.want {
				t.Fatalf("SO_KEEPALIVE = %v, want %v", got, tt.want)
			}
		})
	}
}
