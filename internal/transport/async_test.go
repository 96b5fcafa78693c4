package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"gtcpd/internal/frame"
	"gtcpd/internal/testutil"
)

func collect(t *testing.T) (chan string, AsyncHandlers) {
	t.Helper()
	got := make(chan string, 16)
	return got, AsyncHandlers{OnPacket: func(body []byte) { got <- string(body) }}
}

func expect(t *testing.T, got chan string, want string) {
	t.Helper()
	select {
	case body := <-got:
		if body != want {
			t.Fatalf("got %q, want %q", body, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestAsyncClientFlushesBufferInOrder(t *testing.T) {
	srv := newTestServer(t, echo)
	got, handlers := collect(t)
	a := NewAsyncClient(srv.addr(), AsyncOptions{}, handlers)
	defer a.Close()

	for _, msg := range []string{"first", "second"} {
		if err := a.Send([]byte(msg)); err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
	}
	if n := a.Pending(); n != 2 {
		t.Fatalf("Pending = %d, want 2", n)
	}

	a.Start(t.Context())
	expect(t, got, "first")
	expect(t, got, "second")

	testutil.WaitFor(t, 5*time.Second, "connected", a.Connected)
	if err := a.Send([]byte("third")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expect(t, got, "third")
}

func TestAsyncClientReconnects(t *testing.T) {
	srv := newTestServer(t, func(n int, nc net.Conn) {
		if n == 1 {
			return
		}
		echo(n, nc)
	})
	var connects, disconnects atomic.Int32
	a := NewAsyncClient(srv.addr(), AsyncOptions{ReconnectBackoff: time.Millisecond}, AsyncHandlers{
		OnConnect:    func() { connects.Add(1) },
		OnDisconnect: func(error) { disconnects.Add(1) },
	})
	defer a.Close()
	a.Start(t.Context())

	testutil.WaitFor(t, 5*time.Second, "second connection", func() bool {
		return connects.Load() >= 2 && a.Connected()
	})
	if disconnects.Load() < 1 {
		t.Fatal("OnDisconnect not called")
	}
}

func TestAsyncClientHandlerPanicIsolated(t *testing.T) {
	testutil.CaptureLogBuffer(t, 0)
	srv := newTestServer(t, echo)
	got := make(chan string, 4)
	var calls atomic.Int32
	a := NewAsyncClient(srv.addr(), AsyncOptions{}, AsyncHandlers{OnPacket: func(body []byte) {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		got <- string(body)
	}})
	defer a.Close()

	_ = a.Send([]byte("boom"))
	_ = a.Send([]byte("fine"))
	a.Start(t.Context())
	expect(t, got, "fine")
}

func TestAsyncClientBufferLimit(t *testing.T) {
	a := NewAsyncClient("127.0.0.1:1", AsyncOptions{MaxPending: 1}, AsyncHandlers{})
	if err := a.Send([]byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Send([]byte("b")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Send = %v, want ErrBufferFull", err)
	}
	a.ClearBuffer()
	if a.Pending() != 0 {
		t.Fatalf("Pending = %d after ClearBuffer", a.Pending())
	}
	_ = a.Close()
	if err := a.Send([]byte("c")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestAsyncClientSendDuringFlushStaysBehindBuffer(t *testing.T) {
	const buffered = 3000
	received := make(chan string, buffered+1)
	srv := newTestServer(t, func(_ int, nc net.Conn) {
		for {
			body, err := frame.Read(nc, frame.DefaultMaxPacketSize)
			if err != nil {
				return
			}
			received <- string(body[:min(len(body), 8)])
		}
	})

	a := NewAsyncClient(srv.addr(), AsyncOptions{MaxPending: buffered + 1}, AsyncHandlers{})
	defer a.Close()

	padding := make([]byte, 8*1024)
	for i := range buffered {
		body := append([]byte(fmt.Sprintf("%08d", i)), padding...)
		if err := a.Send(body); err != nil {
			t.Fatalf("Send buffered %d: %v", i, err)
		}
	}

	a.Start(t.Context())
	testutil.WaitFor(t, 5*time.Second, "connected", a.Connected)
	if err := a.Send([]byte("latest")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i := range buffered + 1 {
		want := fmt.Sprintf("%08d", i)
		if i == buffered {
			want = "latest"
		}
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("frame %d = %q, want %q", i, got, want)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}
