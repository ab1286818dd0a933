package testutil

import (
	"testing"
	"time"
)

// MustReceive waits for a value on ch or fails the test after timeout.
func MustReceive[T any](tb testing.TB, ch <-chan T, timeout time.Duration) T {
	tb.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			tb.Fatal("channel closed before a value was received")
		}
		return v
	case <-time.After(timeout):
		tb.Fatalf("timed out after %v waiting to receive", timeout)
	}
	var zero T
	return zero
}

// MustBeClosed waits for ch to be closed or fails the test after timeout.
// Values received before the close are discarded.
func MustBeClosed[T any](tb testing.TB, ch <-chan T, timeout time.Duration) {
	tb.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			tb.Fatalf("timed out after %v waiting for channel close", timeout)
		}
	}
}
