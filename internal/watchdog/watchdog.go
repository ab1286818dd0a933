// Package watchdog tracks consecutive failures of recurring jobs.
//
// Each job identity gets its own counter. A failure increments it; a success
// resets it (under the default policy). When a counter reaches the configured
// threshold the watchdog reports a trip and the owner is expected to cancel
// the job. A tripped counter keeps its value so it can be inspected afterwards.
package watchdog

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultThreshold is the number of consecutive failures that trips the watchdog.
const DefaultThreshold = 10

// ResetPolicy decides when a failure counter goes back to zero.
type ResetPolicy int

const (
	ResetOnSuccess ResetPolicy = iota // successful run clears the counter
	ResetNever                        // counter only grows; every failure counts
)

func (p ResetPolicy) String() string {
	switch p {
	case ResetOnSuccess:
		return "success"
	case ResetNever:
		return "never"
	default:
		return "unknown"
	}
}

// ParseResetPolicy parses "success" or "never".
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "success":
		return ResetOnSuccess, nil
	case "never":
		return ResetNever, nil
	default:
		return ResetOnSuccess, fmt.Errorf("unknown watchdog reset policy %q", s)
	}
}

// Config holds watchdog policy.
type Config struct {
	Threshold int         // Failures before trip (default: 10, < 0 disables)
	Reset     ResetPolicy // When counters reset (default: on success)
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Reset:     ResetOnSuccess,
	}
}

// counter is the failure state of a single identity.
type counter struct {
	failures int
	tripped  bool
}

// Watchdog manages failure counters for many identities.
// Counters are created lazily on first failure.
type Watchdog struct {
	mu       sync.Mutex
	counters map[string]*counter
	config   Config
	trips    int64
}

// New creates a watchdog with the given policy.
func New(cfg Config) *Watchdog {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Watchdog{
		counters: make(map[string]*counter),
		config:   cfg,
	}
}

// Config returns the active policy.
func (w *Watchdog) Config() Config {
	return w.config
}

// Failure records a failed run for key. It returns the new consecutive
// failure count and whether this failure tripped the watchdog. A trip is
// reported once per counter; later failures return tripped=false.
func (w *Watchdog) Failure(key string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c, ok := w.counters[key]
	if !ok {
		c = &counter{}
		w.counters[key] = c
	}
	c.failures++

	if w.config.Threshold < 0 || c.tripped {
		return c.failures, false
	}
	if c.failures >= w.config.Threshold {
		c.tripped = true
		w.trips++
		return c.failures, true
	}
	return c.failures, false
}

// Success records a successful run for key.
func (w *Watchdog) Success(key string) {
	if w.config.Reset != ResetOnSuccess {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.counters[key]; ok && !c.tripped {
		c.failures = 0
	}
}

// Failures returns the current consecutive failure count for key.
func (w *Watchdog) Failures(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.counters[key]; ok {
		return c.failures
	}
	return 0
}

// Tripped reports whether key has hit the threshold.
func (w *Watchdog) Tripped(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.counters[key]
	return ok && c.tripped
}

// Forget drops the counter for key, e.g. when a new instance takes over the identity.
func (w *Watchdog) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.counters, key)
}

// Stats holds watchdog statistics.
type Stats struct {
	Tracked int   // Identities with a counter
	Failing int   // Identities with at least one consecutive failure
	Tripped int   // Identities currently tripped
	Trips   int64 // Trips since start
}

// Stats returns statistics about tracked identities.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Stats{
		Tracked: len(w.counters),
		Trips:   w.trips,
	}
	for _, c := range w.counters {
		if c.failures > 0 {
			stats.Failing++
		}
		if c.tripped {
			stats.Tripped++
		}
	}
	return stats
}
