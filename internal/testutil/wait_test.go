package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		readyAt   int
		timeout   time.Duration
		want      bool
		minChecks int
	}{
		{"holds immediately", 1, time.Second, true, 1},
		{"holds after polling", 3, time.Second, true, 3},
		{"never holds", -1, 50 * time.Millisecond, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checks := 0
			got := WaitFor(t, func() bool {
				checks++
				return tt.readyAt > 0 && checks >= tt.readyAt
			}, WithTimeout(tt.timeout), WithInterval(10*time.Millisecond))

			if got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}
			if checks < tt.minChecks {
				t.Errorf("checks = %d, want >= %d", checks, tt.minChecks)
			}
		})
	}
}

func TestWaitFor_ChecksAtDeadline(t *testing.T) {
	t.Parallel()
	start := time.Now()
	// The interval never fires before the deadline, so only the initial and
	// final checks run.
	got := WaitFor(t, func() bool {
		return time.Since(start) >= 40*time.Millisecond
	}, WithTimeout(50*time.Millisecond), WithInterval(time.Hour))

	if !got {
		t.Error("expected the final check at the deadline to succeed")
	}
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for range 5 {
			time.Sleep(10 * time.Millisecond)
			counter.Add(1)
		}
	}()

	if !WaitForCount(t, &counter, 5, WithTimeout(time.Second), WithInterval(10*time.Millisecond)) {
		t.Error("expected counter to reach 5")
	}

	var stuck atomic.Int64
	stuck.Store(2)
	if WaitForCount(t, &stuck, 10, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond)) {
		t.Error("expected timeout for a counter that never moves")
	}
}

func TestMustWaitFor_Success(t *testing.T) {
	t.Parallel()
	MustWaitFor(t, func() bool { return true }, WithTimeout(time.Second))

	var counter atomic.Int64
	counter.Store(5)
	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second))
}

func TestMustWaitForValue(t *testing.T) {
	t.Parallel()
	var state atomic.Value
	state.Store("pending")
	go func() {
		time.Sleep(10 * time.Millisecond)
		state.Store("running")
		time.Sleep(10 * time.Millisecond)
		state.Store("done")
	}()

	MustWaitForValue(t, func() string { return state.Load().(string) }, "done",
		WithTimeout(time.Second), WithInterval(5*time.Millisecond))
}

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []WaitOption
		want WaitOptions
	}{
		{"defaults", nil, WaitOptions{Timeout: 30 * time.Second, Interval: 100 * time.Millisecond}},
		{"overrides", []WaitOption{WithTimeout(5 * time.Second), WithInterval(50 * time.Millisecond)},
			WaitOptions{Timeout: 5 * time.Second, Interval: 50 * time.Millisecond}},
		{"non-positive interval", []WaitOption{WithInterval(0)},
			WaitOptions{Timeout: 30 * time.Second, Interval: 100 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := resolve(tt.opts); got != tt.want {
				t.Errorf("resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMustReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan int, 1)
	ch <- 42

	if got := MustReceive[int](t, ch, time.Second); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestMustBeClosed(t *testing.T) {
	t.Parallel()
	ch := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(ch)
	}()

	MustBeClosed[struct{}](t, ch, time.Second)
}
