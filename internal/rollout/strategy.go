package rollout

import "fmt"

// Strategy orders the stop and start steps of a rollout.
type Strategy string

const (
	// StopThenStartAll stops every matching container, then starts every
	// replacement. The service is down while the batch is in flight.
	StopThenStartAll Strategy = "stopThenStartAll"

	// StartThenStopEach starts each replacement next to its original and
	// stops the original once the replacement is up. Needs spare capacity.
	StartThenStopEach Strategy = "startThenStopEach"

	// StopThenStartEach replaces containers one at a time.
	StopThenStartEach Strategy = "stopThenStartEach"
)

// DefaultStrategy is used when a rollout names none.
const DefaultStrategy = StopThenStartEach

// ParseStrategy returns the named strategy. An empty name is the default.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case "":
		return DefaultStrategy, nil
	case StopThenStartAll, StartThenStopEach, StopThenStartEach:
		return s, nil
	}
	return "", fmt.Errorf("unknown strategy %q (want %s, %s or %s)",
		name, StopThenStartAll, StartThenStopEach, StopThenStartEach)
}

// UnmarshalText parses a strategy name.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
