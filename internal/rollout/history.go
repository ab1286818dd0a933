package rollout

import (
	"slices"
	"sync"

	"conductor/internal/cluster"
)

// Steps named in failed history entries.
const (
	StepResolve = "resolve"
	StepStop    = "stop"
	StepStart   = "start"
	StepHealth  = "health"
	StepRename  = "rename"
)

// Entry records one container migration attempt. It is written before the
// container is touched and updated as the attempt progresses.
type Entry struct {
	JobID       string   `json:"jobId"`
	Container   string   `json:"container"`
	ContainerID string   `json:"containerId,omitempty"`
	Image       string   `json:"image"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Comments    []string `json:"comments,omitempty"`
	Step        string   `json:"step,omitempty"`
	Err         string   `json:"error,omitempty"`

	// spec recreates the container at From when it no longer exists.
	spec cluster.Spec
}

// Failed reports whether the attempt failed.
func (e Entry) Failed() bool { return e.Err != "" }

type record struct {
	strategy Strategy
	entries  []*Entry
	sealed   bool
}

// History keeps the entries of every rollout and rollback job in memory.
// Once a job's history is sealed it never changes.
type History struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{records: make(map[string]*record)}
}

func (h *History) begin(jobID string, strategy Strategy) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[jobID]
	if !ok {
		h.records[jobID] = &record{strategy: strategy}
		return true
	}
	if r.sealed {
		return false
	}
	r.strategy = strategy
	return true
}

// append adds an entry and returns it for later updates. Entries appended
// to a sealed or unknown job are detached and never recorded.
func (h *History) append(e Entry) *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &e
	r, ok := h.records[e.JobID]
	if !ok || r.sealed {
		return ep
	}
	r.entries = append(r.entries, ep)
	return ep
}

func (h *History) comment(e *Entry, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen(e) {
		return
	}
	e.Comments = append(e.Comments, msg)
}

// frozen reports whether e belongs to a sealed history.
func (h *History) frozen(e *Entry) bool {
	r, ok := h.records[e.JobID]
	return ok && r.sealed
}

// fail marks e as failed at step and moves it to the end of its job's
// entries so the last entry always names the failure.
func (h *History) fail(e *Entry, step string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen(e) {
		return
	}
	e.Step = step
	if err != nil {
		e.Err = err.Error()
	}
	r, ok := h.records[e.JobID]
	if !ok {
		return
	}
	if i := slices.Index(r.entries, e); i >= 0 && i != len(r.entries)-1 {
		r.entries = append(slices.Delete(r.entries, i, i+1), e)
	}
}

// Has reports whether jobID has a history.
func (h *History) Has(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.records[jobID]
	return ok
}

// Entries returns copies of jobID's entries in order.
func (h *History) Entries(jobID string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[jobID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
		out[i].Comments = slices.Clone(e.Comments)
	}
	return out
}

// Strategy returns the strategy jobID ran with.
func (h *History) Strategy(jobID string) (Strategy, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[jobID]
	if !ok {
		return "", false
	}
	return r.strategy, true
}

// Seal freezes jobID's history.
func (h *History) Seal(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.records[jobID]; ok {
		r.sealed = true
	}
}

// Sealed reports whether jobID's history is frozen.
func (h *History) Sealed(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[jobID]
	return ok && r.sealed
}
