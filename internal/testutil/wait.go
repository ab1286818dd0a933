// Package testutil holds polling and channel helpers for asynchronous tests.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultInterval = 100 * time.Millisecond
)

// WaitOptions bounds a polling loop.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption adjusts WaitOptions.
type WaitOption func(*WaitOptions)

// WithTimeout caps the total wait. The default is 30s.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the delay between polls. The default is 100ms.
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: defaultTimeout, Interval: defaultInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	return o
}

// WaitFor polls condition until it holds or the timeout elapses, and reports
// whether it held. The condition is checked once more at the deadline so a
// state reached during the last interval is not missed.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	if condition() {
		return true
	}
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("condition not met within %v", resolve(opts).Timeout)
	}
}

// WaitForCount waits until counter is at least target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("counter = %d, want >= %d within %v", counter.Load(), target, resolve(opts).Timeout)
	}
}

// MustWaitForValue polls get until it returns want and fails the test with the
// last observed value on timeout. It suits status fields that move through
// several states before settling.
func MustWaitForValue[T comparable](tb testing.TB, get func() T, want T, opts ...WaitOption) {
	tb.Helper()
	var last T
	ok := WaitFor(tb, func() bool {
		last = get()
		return last == want
	}, opts...)
	if !ok {
		tb.Fatalf("value = %v, want %v within %v", last, want, resolve(opts).Timeout)
	}
}
