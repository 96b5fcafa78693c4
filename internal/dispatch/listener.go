package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// maxQuietAcceptErrors is the number of consecutive accept failures logged at
// debug level before the loop starts warning and pausing between attempts.
const maxQuietAcceptErrors = 10

// AcceptLoop accepts connections from ln and passes each to accept until ctx
// is cancelled or ln is closed. accept runs on the accept goroutine.
func AcceptLoop(ctx context.Context, ln net.Listener, accept func(net.Conn)) {
	consecutiveErrors := 0
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors > maxQuietAcceptErrors {
				slog.Warn("[dispatch] accept loop: repeated failures", "addr", ln.Addr(), "error", err, "count", consecutiveErrors)
				select {
				case <-ctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
			} else {
				slog.Debug("[dispatch] accept error", "addr", ln.Addr(), "error", err)
			}
			continue
		}
		consecutiveErrors = 0
		accept(nc)
	}
}
