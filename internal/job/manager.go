package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"conductor/internal/apperrors"
	"conductor/internal/watchdog"
)

// Reasons recorded on cancelled instances.
const (
	ReasonCancelled    = "cancelled"
	ReasonIdentityBusy = "identity busy"
	ReasonWatchdog     = "watchdog"
	ReasonShutdown     = "manager shutting down"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("job manager closed")

// MetricsRecorder records job lifecycle metrics.
type MetricsRecorder interface {
	RecordJobCreated(ctx context.Context, jobType string)
	RecordJobStarted(ctx context.Context, jobType string)
	RecordJobCompleted(ctx context.Context, jobType string, success bool, durationSeconds float64)
	RecordJobCancelled(ctx context.Context, jobType string)
	RecordTickConflict(ctx context.Context, jobType string)
	RecordWatchdogCancel(ctx context.Context, jobType string)
}

// Stats holds manager statistics.
type Stats struct {
	Created         int64 // Instances created since start
	Running         int64 // Job bodies currently executing
	Conflicts       int64 // Ticks dropped because the identity was busy
	Failures        int64 // Failed runs
	WatchdogCancels int64 // Instances cancelled by the watchdog
	EventsPublished int64 // Events accepted by the notifier
	EventsDropped   int64 // Events dropped on a full queue or slow subscriber
	Pruned          int64 // Terminal instances evicted after the retention period
	Instances       int   // Instances currently tracked
	Watchdog        watchdog.Stats
}

// Manager creates, schedules and tracks job instances.
//
// Instances sharing an identity (type, or type#id) never run concurrently:
// a tick that finds its identity busy is dropped. Job bodies run on a
// bounded worker pool; cron triggers fire on their own goroutines.
type Manager struct {
	registry *Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder
	watchdog *watchdog.Watchdog
	pool     *semaphore.Weighted
	cron     *cron.Cron
	subs     *Subscriptions

	mu        sync.RWMutex
	instances map[string]*Instance
	current   map[string]*Instance // oldest live instance per identity
	locks     map[string]*sync.Mutex

	created         atomic.Int64
	running         atomic.Int64
	conflicts       atomic.Int64
	failures        atomic.Int64
	watchdogCancels atomic.Int64
	pruned          atomic.Int64

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewManager creates a manager and starts its scheduler.
// metrics may be nil.
func NewManager(registry *Registry, cfg Config, logger *slog.Logger, metrics MetricsRecorder) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job-manager")

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		registry:  registry,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		watchdog:  watchdog.New(cfg.Watchdog),
		pool:      semaphore.NewWeighted(int64(cfg.Workers)),
		cron:      cron.New(cron.WithParser(scheduleParser), cron.WithLocation(cfg.Location)),
		subs:      newSubscriptions(cfg.EventBuffer, logger),
		instances: make(map[string]*Instance),
		current:   make(map[string]*Instance),
		locks:     make(map[string]*sync.Mutex),
		baseCtx:   ctx,
		stop:      stop,
	}
	if cfg.Retention > 0 {
		m.cron.Schedule(cron.Every(cfg.PruneInterval), cron.FuncJob(func() {
			if n := m.prune(time.Now()); n > 0 {
				logger.Debug("Pruned finished jobs", "count", n)
			}
		}))
	}
	m.cron.Start()

	logger.Info("Job manager started",
		"workers", cfg.Workers,
		"retention", cfg.Retention,
		"watchdogThreshold", cfg.Watchdog.Threshold,
		"watchdogReset", cfg.Watchdog.Reset.String(),
		"location", cfg.Location.String(),
	)
	return m
}

// Registry returns the type registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Subscriptions returns the event fan-out.
func (m *Manager) Subscriptions() *Subscriptions { return m.subs }

// Watchdog returns the failure tracker.
func (m *Manager) Watchdog() *watchdog.Watchdog { return m.watchdog }

// Types returns registered job type names.
func (m *Manager) Types() []string { return m.registry.Names() }

// Description returns the parameter description of a job type.
func (m *Manager) Description(jobType string) (Description, error) {
	return m.registry.Describe(jobType)
}

// Create instantiates and binds a job. The instance is SCHEDULED but does not
// run until Start is called. Unknown types and binding failures are returned
// synchronously.
func (m *Manager) Create(ctx context.Context, params Parameters) (*Instance, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	j, err := m.registry.create(params.Type())
	if err != nil {
		return nil, err
	}

	var sched cron.Schedule
	if params.Recurring() {
		if sched, err = ParseSchedule(params.Schedule()); err != nil {
			return nil, err
		}
	}

	if err := bind(j, params); err != nil {
		return nil, err
	}

	inst := newInstance(uuid.NewString(), j, params, sched, time.Now())

	m.mu.Lock()
	if prev, ok := m.current[inst.Key()]; !ok || prev.Status().Terminal() {
		m.watchdog.Forget(inst.Key())
		m.current[inst.Key()] = inst
	}
	m.instances[inst.ID()] = inst
	m.mu.Unlock()

	m.created.Add(1)
	if m.metrics != nil {
		m.metrics.RecordJobCreated(ctx, inst.Type())
	}

	inst.mu.Lock()
	m.subs.publish(inst.snapshot())
	inst.mu.Unlock()

	m.logger.Info("Job created",
		"jobId", inst.ID(),
		"type", inst.Type(),
		"key", inst.Key(),
		"schedule", params.Schedule(),
	)
	return inst, nil
}

// Start schedules the instance: a one-shot job is submitted for immediate
// execution, a recurring job is registered with the scheduler. The returned
// channel is closed once the first run is accepted, or when the instance ends
// without running. Calling Start again returns the same channel.
func (m *Manager) Start(inst *Instance) (<-chan struct{}, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	inst.startOnce.Do(func() {
		if inst.Status().Terminal() {
			return
		}
		if !inst.Recurring() {
			m.tick(inst)
			return
		}
		id := m.cron.Schedule(inst.schedule, cron.FuncJob(func() { m.tick(inst) }))
		if !inst.setEntry(id) {
			m.cron.Remove(id)
			return
		}
		m.logger.Debug("Job scheduled", "jobId", inst.ID(), "next", inst.schedule.Next(time.Now()))
	})
	return inst.Started(), nil
}

// Submit is Create followed by Start.
func (m *Manager) Submit(ctx context.Context, params Parameters) (*Instance, error) {
	inst, err := m.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, err := m.Start(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Cancel stops future runs and interrupts a run in flight. Cancelling a
// terminal instance is a no-op.
func (m *Manager) Cancel(inst *Instance) {
	m.cancel(inst, ReasonCancelled)
}

// CancelByID cancels the instance with the given id.
func (m *Manager) CancelByID(id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	m.Cancel(inst)
	return nil
}

func (m *Manager) cancel(inst *Instance, reason string) bool {
	entry, ok := inst.markCancelled()
	if !ok {
		return false
	}
	if entry != 0 {
		m.cron.Remove(entry)
	}
	if !inst.transition(StatusCancelled, reason, m.subs.publish) {
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordJobCancelled(m.baseCtx, inst.Type())
	}
	m.logger.Info("Job cancelled", "jobId", inst.ID(), "type", inst.Type(), "reason", reason)
	return true
}

// AtEnd blocks until the instance is terminal and returns its final snapshot.
func (m *Manager) AtEnd(ctx context.Context, inst *Instance) (Info, error) {
	return inst.Wait(ctx)
}

// Get returns an instance by id.
func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return inst, nil
}

// List returns snapshots of all tracked instances, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		infos = append(infos, inst.Info())
	}
	m.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return infos
}

// Failures returns the consecutive failure count of an identity.
func (m *Manager) Failures(key string) int {
	return m.watchdog.Failures(key)
}

// Stats returns manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.instances)
	m.mu.RUnlock()

	return Stats{
		Created:         m.created.Load(),
		Running:         m.running.Load(),
		Conflicts:       m.conflicts.Load(),
		Failures:        m.failures.Load(),
		WatchdogCancels: m.watchdogCancels.Load(),
		EventsPublished: m.subs.published.Load(),
		EventsDropped:   m.subs.dropped.Load(),
		Instances:       n,
		Pruned:          m.pruned.Load(),
		Watchdog:        m.watchdog.Stats(),
	}
}

// Ready reports whether the manager accepts new jobs.
func (m *Manager) Ready(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// tick is one activation of an instance. It claims the identity, then hands
// the run to the worker pool.
func (m *Manager) tick(inst *Instance) {
	if m.closed.Load() || inst.Status().Terminal() {
		return
	}

	lock := m.lockFor(inst.Key())
	if !lock.TryLock() {
		m.conflicts.Add(1)
		if m.metrics != nil {
			m.metrics.RecordTickConflict(m.baseCtx, inst.Type())
		}
		m.logger.Debug("Tick dropped, identity busy", "jobId", inst.ID(), "key", inst.Key())
		if !inst.Recurring() {
			m.cancel(inst, ReasonIdentityBusy)
		}
		return
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	if !inst.arm(cancel) {
		cancel()
		lock.Unlock()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(runCtx, inst)
		cancel()
		lock.Unlock()
		inst.disarm()
	}()
}

func (m *Manager) execute(ctx context.Context, inst *Instance) {
	if err := m.pool.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.pool.Release(1)

	if !inst.transition(StatusStarted, "", m.subs.publish) {
		return
	}

	m.running.Add(1)
	defer m.running.Add(-1)
	if m.metrics != nil {
		m.metrics.RecordJobStarted(ctx, inst.Type())
	}
	logger := m.logger.With("jobId", inst.ID(), "type", inst.Type())
	logger.Debug("Job run started")

	start := time.Now()
	err := m.run(ctx, inst)
	duration := time.Since(start)
	inst.jc.merge(readBack(inst.job))

	if m.metrics != nil {
		m.metrics.RecordJobCompleted(m.baseCtx, inst.Type(), err == nil, duration.Seconds())
	}

	if inst.Cancelled() {
		logger.Debug("Job run ended after cancellation", "duration", duration, "error", err)
		return
	}

	key := inst.Key()
	if err == nil {
		m.watchdog.Success(key)
		if inst.Recurring() {
			inst.transition(StatusScheduled, "", m.subs.publish)
		} else {
			inst.transition(StatusCompleted, "", m.subs.publish)
			logger.Info("Job completed", "duration", duration)
		}
		return
	}

	m.failures.Add(1)
	if inst.Recurring() {
		inst.transition(StatusScheduled, err.Error(), m.subs.publish)
	} else {
		inst.transition(StatusFailed, err.Error(), m.subs.publish)
	}
	count, tripped := m.watchdog.Failure(key)
	logger.Warn("Job run failed", "recurring", inst.Recurring(), "failures", count, "duration", duration, "error", err)
	if tripped {
		logger.Error("Watchdog threshold reached", "failures", count, "threshold", m.watchdog.Config().Threshold)
	}

	// Once an identity has tripped, every failing instance of it is
	// cancelled, not just the one whose failure crossed the threshold.
	if !m.watchdog.Tripped(key) {
		return
	}
	if m.cancel(inst, fmt.Sprintf("%s: %d consecutive failures", ReasonWatchdog, count)) {
		m.watchdogCancels.Add(1)
		if m.metrics != nil {
			m.metrics.RecordWatchdogCancel(m.baseCtx, inst.Type())
		}
	}
}

// run executes the job body, converting a panic into an error.
func (m *Manager) run(ctx context.Context, inst *Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal("job panic", panicError{value: r})
		}
	}()
	return inst.job.Run(ctx, inst.jc)
}

// prune evicts instances that finished before now minus the retention
// period, then drops the locks and failure counters of identities left with
// no tracked instance. It returns the number of evicted instances.
func (m *Manager) prune(now time.Time) int {
	cutoff := now.Add(-m.config.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]bool, len(m.instances))
	removed := 0
	for id, inst := range m.instances {
		info := inst.Info()
		if info.Status.Terminal() && inst.Idle() && info.EndedAt != nil && info.EndedAt.Before(cutoff) {
			delete(m.instances, id)
			if m.current[inst.Key()] == inst {
				delete(m.current, inst.Key())
			}
			removed++
			continue
		}
		live[inst.Key()] = true
	}
	for key := range m.locks {
		if !live[key] {
			delete(m.locks, key)
			m.watchdog.Forget(key)
		}
	}
	m.pruned.Add(int64(removed))
	return removed
}

// Close stops the scheduler, cancels every live instance, waits for running
// bodies to return and drains pending events to subscribers.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Info("Job manager shutting down")

	cronDone := m.cron.Stop()

	m.mu.RLock()
	live := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		live = append(live, inst)
	}
	m.mu.RUnlock()
	for _, inst := range live {
		m.cancel(inst, ReasonShutdown)
	}
	m.stop()

	waitDone := make(chan struct{})
	go func() {
		<-cronDone.Done()
		m.wg.Wait()
		close(waitDone)
	}()

	var err error
	select {
	case <-waitDone:
		m.logger.Info("Job manager drained")
	case <-ctx.Done():
		err = ctx.Err()
		m.logger.Warn("Job manager shutdown timed out", "running", m.running.Load())
	}

	if subErr := m.subs.close(ctx); subErr != nil && err == nil {
		err = subErr
	}
	return err
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
