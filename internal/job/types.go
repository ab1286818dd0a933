package job

import (
	"context"
	"time"
)

// Job is the executable body created by a registered Factory.
//
// A Job is typically a pointer to a struct whose fields carry `param` tags;
// the Manager binds submission values onto those fields before the first run
// and reads every tagged field back into the Context results after each run.
// Recurring jobs reuse the same Job value across ticks.
//
// Run must honour ctx: cancellation of the owning instance cancels ctx.
type Job interface {
	Run(ctx context.Context, jc *Context) error
}

// Finalizer is implemented by jobs that act once their instance reaches a
// terminal status. Finalize is called exactly once, right after the terminal
// transition. A cancelled run may still be returning when it is called.
type Finalizer interface {
	Finalize(jc *Context, status Status)
}

// JobFunc adapts a plain function to the Job interface. It has no bindable fields.
type JobFunc func(ctx context.Context, jc *Context) error

// Run calls f(ctx, jc).
func (f JobFunc) Run(ctx context.Context, jc *Context) error {
	return f(ctx, jc)
}

// Status is the lifecycle state of a job instance.
type Status string

// Status constants
const (
	StatusScheduled Status = "scheduled"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s can never be left again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions lists the legal moves of the instance state machine.
// SCHEDULED is both the initial state and the resting state of recurring jobs.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusStarted, StatusCancelled},
	StatusStarted:   {StatusCompleted, StatusFailed, StatusScheduled, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info is an immutable snapshot of an instance's lifecycle, handed to
// subscribers and API callers.
type Info struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Key       string     `json:"key"`
	Schedule  string     `json:"schedule,omitempty"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Runs      int        `json:"runs"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// ParamDescription describes one bindable field of a job type.
type ParamDescription struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Output   bool   `json:"output,omitempty"`
}

// Description is registry metadata for a job type.
type Description struct {
	Name   string             `json:"name"`
	Params []ParamDescription `json:"params"`
}
