package testutil

import (
	"testing"
	"time"
)

// WaitFor polls fn every 10ms until it returns true or timeout expires.
// It fails the test with msg on timeout.
func WaitFor(t *testing.T, timeout time.Duration, msg string, fn func() bool) {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if fn() {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			t.Fatalf("timed out after %s waiting for %s", timeout, msg)
		}
	}
}
