package job

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Instance is one live execution of a registered job type.
//
// All status changes go through transition, which enforces the state machine
// and publishes the resulting snapshot while still holding the instance lock,
// so subscribers observe changes in the order they happened. A Finalizer job
// is finalized under the same lock and must not call back into the instance.
type Instance struct {
	job      Job
	jc       *Context
	params   Parameters
	schedule cron.Schedule

	mu        sync.Mutex
	info      Info
	cancelled bool
	interrupt context.CancelFunc // non-nil while a run is in flight
	finishing bool               // run ended the instance; disarm closes done
	entry     cron.EntryID

	startOnce    sync.Once
	started      chan struct{}
	startedOnce  sync.Once
	done         chan struct{}
	finished     chan struct{}
	finishedOnce sync.Once
}

func newInstance(id string, j Job, params Parameters, schedule cron.Schedule, now time.Time) *Instance {
	return &Instance{
		job:      j,
		jc:       newContext(id, params),
		params:   params,
		schedule: schedule,
		info: Info{
			ID:        id,
			Type:      params.Type(),
			Key:       params.Key(),
			Schedule:  params.Schedule(),
			Status:    StatusScheduled,
			CreatedAt: now,
		},
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// ID returns the unique instance id.
func (i *Instance) ID() string { return i.info.ID }

// Type returns the job type name.
func (i *Instance) Type() string { return i.info.Type }

// Key returns the identity used for mutual exclusion.
func (i *Instance) Key() string { return i.info.Key }

// Recurring reports whether the instance runs on a schedule.
func (i *Instance) Recurring() bool { return i.schedule != nil }

// Parameters returns the submission bag.
func (i *Instance) Parameters() Parameters { return i.params }

// Context returns the parameter/result scope.
func (i *Instance) Context() *Context { return i.jc }

// Results returns a copy of the current results.
func (i *Instance) Results() map[string]any { return i.jc.Results() }

// Info returns a snapshot of the lifecycle.
func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshot()
}

// Status returns the current status.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.Status
}

// Cancelled reports whether the instance was cancelled.
func (i *Instance) Cancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

// Done is closed when the instance reaches a terminal status.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Started is closed when the first run begins or the instance ends without running.
func (i *Instance) Started() <-chan struct{} { return i.started }

// Finished is closed once the instance is terminal and no run is in flight.
// After a cancel it trails Done until the interrupted body has returned.
func (i *Instance) Finished() <-chan struct{} { return i.finished }

// Idle reports whether Finished is closed.
func (i *Instance) Idle() bool {
	select {
	case <-i.finished:
		return true
	default:
		return false
	}
}

// Wait blocks until the instance is terminal or ctx is done.
func (i *Instance) Wait(ctx context.Context) (Info, error) {
	select {
	case <-i.done:
		return i.Info(), nil
	case <-ctx.Done():
		return i.Info(), ctx.Err()
	}
}

func (i *Instance) snapshot() Info {
	info := i.info
	if info.StartedAt != nil {
		t := *info.StartedAt
		info.StartedAt = &t
	}
	if info.EndedAt != nil {
		t := *info.EndedAt
		info.EndedAt = &t
	}
	return info
}

// transition moves the instance to status to. It returns false when the move
// is not legal from the current status, which makes every terminal transition
// idempotent. errMsg replaces the recorded error; an empty string clears it.
func (i *Instance) transition(to Status, errMsg string, publish func(Info)) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !CanTransition(i.info.Status, to) {
		return false
	}

	now := time.Now()
	switch to {
	case StatusStarted:
		i.info.StartedAt = &now
		i.info.Runs++
		i.info.Error = ""
	case StatusCancelled:
		i.cancelled = true
		i.info.EndedAt = &now
	case StatusCompleted, StatusFailed:
		i.info.EndedAt = &now
	}
	if to != StatusStarted {
		i.info.Error = errMsg
	}
	i.info.Status = to

	if publish != nil {
		publish(i.snapshot())
	}

	if to == StatusStarted {
		i.startedOnce.Do(func() { close(i.started) })
	}
	if to.Terminal() {
		i.startedOnce.Do(func() { close(i.started) })
		if f, ok := i.job.(Finalizer); ok {
			f.Finalize(i.jc, to)
		}
		if i.interrupt == nil {
			i.finishedOnce.Do(func() { close(i.finished) })
		}
		// A run completing its own instance still holds the identity lock.
		// Waiters are released by disarm, after the lock is given back.
		if i.interrupt != nil && to != StatusCancelled {
			i.finishing = true
		} else {
			close(i.done)
		}
	}
	return true
}

// arm records the cancel function of a run about to begin. It fails when the
// instance is already cancelled or terminal, or another run is in flight.
func (i *Instance) arm(cancel context.CancelFunc) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled || i.info.Status.Terminal() || i.interrupt != nil {
		return false
	}
	i.interrupt = cancel
	return true
}

func (i *Instance) disarm() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.interrupt = nil
	if i.finishing {
		i.finishing = false
		close(i.done)
	}
	if i.info.Status.Terminal() {
		i.finishedOnce.Do(func() { close(i.finished) })
	}
}

// markCancelled flags the instance, interrupts any in-flight run and returns
// the cron entry to remove. ok is false when the instance is already terminal.
func (i *Instance) markCancelled() (entry cron.EntryID, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.info.Status.Terminal() {
		return 0, false
	}
	i.cancelled = true
	if i.interrupt != nil {
		i.interrupt()
	}
	entry, i.entry = i.entry, 0
	return entry, true
}

// setEntry stores the cron entry. It fails when the instance was cancelled
// in the meantime; the caller then removes the entry itself.
func (i *Instance) setEntry(id cron.EntryID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled || i.info.Status.Terminal() {
		return false
	}
	i.entry = id
	return true
}
