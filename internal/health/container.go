package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conductor/internal/apperrors"
	"conductor/internal/cluster"
)

// DefaultContainerTimeout bounds a container health check when the caller
// passes no timeout.
const DefaultContainerTimeout = 60 * time.Second

// ErrUnhealthy is returned when a container reaches a state it cannot
// recover from within a health check: exited, unhealthy or removed.
var ErrUnhealthy = errors.New("container unhealthy")

var errNotReady = errors.New("container not ready")

// ContainerChecker waits for freshly started containers to report healthy.
type ContainerChecker struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *slog.Logger
}

// NewContainerChecker creates a checker polling at 200ms, backing off to 2s.
func NewContainerChecker() *ContainerChecker {
	return &ContainerChecker{
		initialInterval: 200 * time.Millisecond,
		maxInterval:     2 * time.Second,
		logger:          slog.With("component", "health"),
	}
}

// CheckContainer polls the container until it is healthy, exits or the
// timeout elapses. A container without a health check counts as healthy
// once running. A timeout reports false with a nil error. Exited, unhealthy
// and vanished containers report false with an error wrapping ErrUnhealthy,
// and context cancellation returns the context error.
func (h *ContainerChecker) CheckContainer(ctx context.Context, c cluster.Cluster, id string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultContainerTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.initialInterval
	b.MaxInterval = h.maxInterval
	b.MaxElapsedTime = timeout

	logger := h.logger.With("containerId", id)
	err := backoff.RetryNotify(
		func() error {
			ct, err := c.Container(ctx, id)
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					return backoff.Permanent(fmt.Errorf("%w: %w", ErrUnhealthy, err))
				}
				return err
			}
			switch {
			case ct.State == cluster.StateExited:
				return backoff.Permanent(fmt.Errorf("%w: container %s exited", ErrUnhealthy, ct.Name))
			case ct.Health == cluster.HealthHealthy:
				return nil
			case ct.Health == cluster.HealthUnhealthy:
				return backoff.Permanent(fmt.Errorf("%w: container %s reported unhealthy", ErrUnhealthy, ct.Name))
			case ct.Health == "" && ct.Running():
				return nil
			}
			return errNotReady
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			logger.Debug("Waiting for container health", "reason", err, "retryIn", next)
		},
	)
	if err == nil {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if errors.Is(err, ErrUnhealthy) {
		logger.Warn("Container failed health check", "error", err)
		return false, err
	}
	logger.Warn("Container health check timed out", "error", err, "timeout", timeout)
	return false, nil
}
