package job

import (
	"fmt"
	"maps"
	"slices"

	"conductor/internal/apperrors"
)

// Reserved submission keys. Every other key of a flat submission map is a job value.
const (
	KeyType     = "type"
	KeySchedule = "schedule"
	KeyID       = "id"
	KeyIDAlias  = "#"
)

// Parameters is the immutable submission bag for one job instance.
// Use NewParameters or ParametersFromMap to build one.
type Parameters struct {
	jobType  string
	schedule string
	id       string
	names    []string
	values   map[string]any
}

// ParameterOption configures Parameters at construction time.
type ParameterOption func(*Parameters)

// WithSchedule makes the job recurring on the given cron expression.
func WithSchedule(schedule string) ParameterOption {
	return func(p *Parameters) {
		p.schedule = schedule
	}
}

// WithID sets the explicit identity of the job.
func WithID(id string) ParameterOption {
	return func(p *Parameters) {
		p.id = id
	}
}

// WithValue appends one named value. Later values with the same name replace
// earlier ones but keep the original position.
func WithValue(name string, value any) ParameterOption {
	return func(p *Parameters) {
		if _, exists := p.values[name]; !exists {
			p.names = append(p.names, name)
		}
		p.values[name] = value
	}
}

// WithValues appends every entry of values in sorted key order.
func WithValues(values map[string]any) ParameterOption {
	return func(p *Parameters) {
		for _, name := range slices.Sorted(maps.Keys(values)) {
			WithValue(name, values[name])(p)
		}
	}
}

// NewParameters builds an immutable parameter bag for jobType.
func NewParameters(jobType string, opts ...ParameterOption) Parameters {
	p := Parameters{
		jobType: jobType,
		values:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// ParametersFromMap translates a flat submission map into Parameters.
// The reserved keys type, schedule and id (or its alias #) are lifted out;
// everything else becomes a value.
func ParametersFromMap(m map[string]any) (Parameters, error) {
	jobType, err := reservedString(m, KeyType)
	if err != nil {
		return Parameters{}, err
	}
	if jobType == "" {
		return Parameters{}, apperrors.Validation(KeyType, "job type is required")
	}
	schedule, err := reservedString(m, KeySchedule)
	if err != nil {
		return Parameters{}, err
	}
	id, err := reservedString(m, KeyID)
	if err != nil {
		return Parameters{}, err
	}
	if id == "" {
		if id, err = reservedString(m, KeyIDAlias); err != nil {
			return Parameters{}, err
		}
	}

	values := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case KeyType, KeySchedule, KeyID, KeyIDAlias:
			continue
		}
		values[k] = v
	}

	return NewParameters(jobType, WithSchedule(schedule), WithID(id), WithValues(values)), nil
}

func reservedString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case int, int64, float64:
		return fmt.Sprint(t), nil
	default:
		return "", apperrors.Validation(key, fmt.Sprintf("%s must be a string", key))
	}
}

// Type returns the registered job type name.
func (p Parameters) Type() string { return p.jobType }

// Schedule returns the cron expression, or "" for one-shot jobs.
func (p Parameters) Schedule() string { return p.schedule }

// ID returns the explicit identity, or "".
func (p Parameters) ID() string { return p.id }

// Recurring reports whether a schedule is present.
func (p Parameters) Recurring() bool { return p.schedule != "" }

// Key returns the identity used for mutual exclusion: type, or type#id.
func (p Parameters) Key() string {
	if p.id == "" {
		return p.jobType
	}
	return p.jobType + "#" + p.id
}

// Names returns the value names in submission order.
func (p Parameters) Names() []string {
	return slices.Clone(p.names)
}

// Value returns a single value.
func (p Parameters) Value(name string) (any, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Values returns a copy of all values.
func (p Parameters) Values() map[string]any {
	return maps.Clone(p.values)
}

// Len returns the number of values.
func (p Parameters) Len() int {
	return len(p.names)
}
