package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"conductor/internal/job"
)

// JobLookup finds job instances by id. *job.Manager implements it.
type JobLookup interface {
	Get(id string) (*job.Instance, error)
}

// Forwarder turns job lifecycle events into CloudEvents and hands them to a
// Dispatcher. Terminal events carry the job's results.
type Forwarder struct {
	dispatcher Dispatcher
	jobs       JobLookup
	builder    *job.EventBuilder
	config     ForwarderConfig
	logger     *slog.Logger
}

// NewForwarder creates a Forwarder. jobs may be nil, in which case results
// are never attached.
func NewForwarder(d Dispatcher, jobs JobLookup, cfg ForwarderConfig) *Forwarder {
	cfg = cfg.withDefaults()
	return &Forwarder{
		dispatcher: d,
		jobs:       jobs,
		builder:    job.NewEventBuilder(cfg.Source),
		config:     cfg,
		logger:     slog.With("component", "forwarder", "destination", extractHost(cfg.URL)),
	}
}

// Subscribe registers the forwarder's subscription. Events published after
// Subscribe returns are seen by Run.
func (f *Forwarder) Subscribe(subs *job.Subscriptions) *job.Subscription {
	return subs.Subscribe(f.config.Buffer)
}

// Run forwards events from sub until ctx is done or the manager closes the
// subscription. sub is closed on return.
func (f *Forwarder) Run(ctx context.Context, sub *job.Subscription) error {
	defer sub.Close()

	f.logger.Info("Forwarding job events", "events", f.config.Events)
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-sub.C():
			if !ok {
				return nil
			}
			f.forward(info)
		}
	}
}

func (f *Forwarder) forward(info job.Info) {
	eventType := job.EventType(info.Status)
	if !job.FilteredEvents(eventType, f.config.Events) {
		return
	}

	var results map[string]any
	if info.Status.Terminal() && f.jobs != nil {
		if inst, err := f.jobs.Get(info.ID); err == nil {
			results = inst.Results()
		}
	}

	err := f.dispatcher.Dispatch(&Event{
		Payload:     f.builder.Build(info, results),
		Destination: f.config.URL,
		SigningKey:  f.config.SigningKey,
	})
	switch {
	case errors.Is(err, ErrClosed):
		f.logger.Debug("Dispatcher closed, event not forwarded", "jobId", info.ID, "type", eventType)
	case err != nil:
		f.logger.Warn("Event not forwarded", "jobId", info.ID, "type", eventType, "error", err)
	}
}
