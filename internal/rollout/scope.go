// Package rollout moves containers between image versions as jobs.
//
// A rollout job finds the containers running a matching image and replaces
// them with the target version using one of three strategies. Every
// attempt is recorded in a History, and a rollback job replays a finished
// rollout's history in reverse.
package rollout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"conductor/internal/cluster"
	"conductor/internal/job"
)

// Job types registered by Register.
const (
	TypeRollout  = "rollout"
	TypeRollback = "rollback"
)

// DefaultHealthTimeout bounds each container health check.
const DefaultHealthTimeout = 60 * time.Second

// HealthChecker reports whether a container became healthy within timeout.
type HealthChecker interface {
	CheckContainer(ctx context.Context, c cluster.Cluster, id string, timeout time.Duration) (bool, error)
}

// JobLookup finds job instances by id. *job.Manager implements it.
type JobLookup interface {
	Get(id string) (*job.Instance, error)
}

// MetricsRecorder records rollout step outcomes.
type MetricsRecorder interface {
	RecordRolloutStep(ctx context.Context, strategy, step string, success bool)
}

// Scope holds the collaborators shared by every rollout and rollback job.
// Jobs may be set after Register but before the first job runs.
type Scope struct {
	Cluster       cluster.Cluster
	Health        HealthChecker // optional; required by jobs that ask for health checks
	History       *History
	Jobs          JobLookup
	Metrics       MetricsRecorder
	Logger        *slog.Logger
	HealthTimeout time.Duration
}

func (s *Scope) withDefaults() {
	if s.History == nil {
		s.History = NewHistory()
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("component", "rollout")
	if s.HealthTimeout <= 0 {
		s.HealthTimeout = DefaultHealthTimeout
	}
}

// Register adds the rollout and rollback job types to reg.
func Register(reg *job.Registry, scope *Scope) error {
	if scope == nil || scope.Cluster == nil {
		return errors.New("rollout: scope with a cluster is required")
	}
	scope.withDefaults()

	if err := reg.Register(TypeRollout, func() job.Job { return &rolloutJob{scope: scope} }); err != nil {
		return err
	}
	return reg.Register(TypeRollback, func() job.Job { return &rollbackJob{scope: scope} })
}

// RollbackHandle identifies a rollout that can be rolled back.
type RollbackHandle struct {
	JobID string
}

// Params returns parameters for a rollback job of h. The rollback's
// identity is tied to the original job so two rollbacks of the same
// rollout never run at once.
func (h RollbackHandle) Params(opts ...job.ParameterOption) job.Parameters {
	all := append([]job.ParameterOption{
		job.WithID(h.JobID),
		job.WithValue("jobId", h.JobID),
	}, opts...)
	return job.NewParameters(TypeRollback, all...)
}
