// Package cloudevent builds, signs and delivers CloudEvents 1.0 in structured
// JSON mode.
package cloudevent

import (
	"errors"
	"fmt"
	"time"
)

// SpecVersion is the only CloudEvents version produced and accepted.
const SpecVersion = "1.0"

// ErrInvalid is wrapped by Validate failures. Send treats it as a client error.
var ErrInvalid = errors.New("invalid cloudevent")

// CloudEvent is a CloudEvents 1.0 envelope. Subject is optional.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New returns an event stamped with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes every receiver relies on: specversion
// and a non-empty id, source and type.
func (e *CloudEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalid)
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("%w: specversion %q", ErrInvalid, e.SpecVersion)
	}
	for attr, v := range map[string]string{"id": e.ID, "source": e.Source, "type": e.Type} {
		if v == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, attr)
		}
	}
	return nil
}
