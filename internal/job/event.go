package job

import (
	"fmt"
	"slices"

	"conductor/pkg/cloudevent"
)

// Event types for job lifecycle notifications
const (
	EventTypeScheduled = "conductor.job.scheduled"
	EventTypeStarted   = "conductor.job.started"
	EventTypeCompleted = "conductor.job.completed"
	EventTypeFailed    = "conductor.job.failed"
	EventTypeCancelled = "conductor.job.cancelled"
)

// EventType maps a status to its CloudEvent type.
func EventType(s Status) string {
	return "conductor.job." + string(s)
}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents from lifecycle snapshots.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a CloudEvent for info. Results are attached to terminal events.
func (b *EventBuilder) Build(info Info, results map[string]any) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":  info.ID,
		"type":   info.Type,
		"key":    info.Key,
		"status": string(info.Status),
		"runs":   info.Runs,
	}
	if info.Schedule != "" {
		data["schedule"] = info.Schedule
	}
	if info.Error != "" {
		data["error"] = info.Error
	}
	if info.Status.Terminal() && len(results) > 0 {
		data["results"] = results
	}

	// Runs disambiguates repeated SCHEDULED/STARTED events of recurring jobs.
	eventID := fmt.Sprintf("%s-%s-%d", info.ID, info.Status, info.Runs)
	return cloudevent.New(EventType(info.Status), b.source, info.ID, eventID, data)
}
