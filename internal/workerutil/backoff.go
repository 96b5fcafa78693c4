package workerutil

import "time"

// Backoff produces a doubling delay sequence capped at a maximum.
// It is not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff returns a sequence starting at initial. Non-positive arguments
// select DefaultInitialBackoff and DefaultMaxBackoff.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{initial: initial, max: maxDelay, next: initial}
}

// Next returns the current delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = NextBackoff(b.next, b.max)
	return d
}

// Reset restarts the sequence from the initial delay.
func (b *Backoff) Reset() { b.next = b.initial }

// NextBackoff doubles current, capping at maxBackoff. Overflow yields maxBackoff.
func NextBackoff(current, maxBackoff time.Duration) time.Duration {
	if current <= 0 {
		return DefaultInitialBackoff
	}
	if current >= maxBackoff {
		return maxBackoff
	}
	next := current * 2
	if next > maxBackoff || next < current {
		return maxBackoff
	}
	return next
}
