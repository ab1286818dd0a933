package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/internal/apperrors"
	"conductor/internal/cluster"
	"conductor/internal/job"
)

type rolloutJob struct {
	scope *Scope

	Images        []ImageUpdate `param:"images,required"`
	Strategy      Strategy      `param:"strategy"`
	Cluster       string        `param:"cluster"`
	HealthCheck   bool          `param:"healthCheck"`
	HealthTimeout time.Duration `param:"healthTimeout"`

	Migrated int    `param:"migrated,output"`
	Rollback string `param:"rollback,output"`

	set ImagesForUpdate
}

func (j *rolloutJob) Validate() error {
	set, err := NewImagesForUpdate(j.Images...)
	if err != nil {
		return err
	}
	j.set = set
	j.Images = set.Updates()
	return validateCommon(j.scope, &j.Strategy, j.HealthCheck, &j.HealthTimeout)
}

func (j *rolloutJob) Run(ctx context.Context, jc *job.Context) error {
	s := j.scope
	j.Rollback = jc.JobID()
	j.Migrated = 0

	if !s.History.begin(jc.JobID(), j.Strategy) {
		return apperrors.Conflict("job", jc.JobID(), "rollout history is sealed")
	}

	containers, err := s.Cluster.Containers(ctx, cluster.Filter{Cluster: j.Cluster})
	if err != nil {
		return apperrors.Step("*", "list", err)
	}

	var targets []target
	for _, c := range containers {
		u, ok := j.set.Match(c.Image)
		if !ok {
			continue
		}
		targets = append(targets, target{name: c.Name, id: c.ID, to: u.To})
	}

	logger := s.Logger.With("jobId", jc.JobID(), "strategy", j.Strategy)
	logger.Info("Rollout starting", "containers", len(targets), "images", j.set.Len(), "cluster", j.Cluster)

	x := newExecutor(s, jc.JobID(), j.Strategy, j.HealthCheck, j.HealthTimeout)
	err = x.run(ctx, targets)
	j.Migrated = x.migrated
	jc.SetResult("history", s.History.Entries(jc.JobID()))
	if err != nil {
		logger.Warn("Rollout stopped", "migrated", x.migrated, "error", err)
		return err
	}
	logger.Info("Rollout finished", "migrated", x.migrated)
	return nil
}

// Finalize seals the job's history as soon as the job is terminal. Writes
// from a cancelled run that is still unwinding are discarded.
func (j *rolloutJob) Finalize(jc *job.Context, _ job.Status) {
	j.scope.History.Seal(jc.JobID())
}

func newExecutor(s *Scope, jobID string, strategy Strategy, healthCheck bool, timeout time.Duration) *executor {
	return &executor{
		cluster:       s.Cluster,
		health:        s.Health,
		healthCheck:   healthCheck,
		healthTimeout: timeout,
		history:       s.History,
		metrics:       s.Metrics,
		logger:        s.Logger.With("jobId", jobID),
		jobID:         jobID,
		strategy:      strategy,
	}
}

type rollbackJob struct {
	scope *Scope

	JobID         string        `param:"jobId,required"`
	Strategy      Strategy      `param:"strategy"`
	HealthCheck   bool          `param:"healthCheck"`
	HealthTimeout time.Duration `param:"healthTimeout"`

	Migrated int    `param:"migrated,output"`
	Rollback string `param:"rollback,output"`
}

func (j *rollbackJob) Validate() error {
	if j.JobID == "" {
		return apperrors.Validation("jobId", "job id is required")
	}
	if !j.scope.History.Has(j.JobID) {
		return apperrors.Validation("jobId", fmt.Sprintf("job %s has no rollout history", j.JobID))
	}
	if j.Strategy == "" {
		j.Strategy, _ = j.scope.History.Strategy(j.JobID)
	}
	return validateCommon(j.scope, &j.Strategy, j.HealthCheck, &j.HealthTimeout)
}

func (j *rollbackJob) Run(ctx context.Context, jc *job.Context) error {
	s := j.scope
	j.Rollback = jc.JobID()
	j.Migrated = 0

	if err := j.seal(ctx); err != nil {
		return err
	}
	if !s.History.begin(jc.JobID(), j.Strategy) {
		return apperrors.Conflict("job", jc.JobID(), "rollback history is sealed")
	}

	targets, err := j.targets(ctx)
	if err != nil {
		return err
	}

	logger := s.Logger.With("jobId", jc.JobID(), "rollbackOf", j.JobID, "strategy", j.Strategy)
	logger.Info("Rollback starting", "containers", len(targets))

	x := newExecutor(s, jc.JobID(), j.Strategy, j.HealthCheck, j.HealthTimeout)
	err = x.run(ctx, targets)
	j.Migrated = x.migrated
	jc.SetResult("history", s.History.Entries(jc.JobID()))
	if err != nil {
		logger.Warn("Rollback stopped", "migrated", x.migrated, "error", err)
		return err
	}
	logger.Info("Rollback finished", "migrated", x.migrated)
	return nil
}

// Finalize seals the rollback's own history.
func (j *rollbackJob) Finalize(jc *job.Context, _ job.Status) {
	j.scope.History.Seal(jc.JobID())
}

// seal freezes the original job's history once that job has ended and waits
// for a cancelled run to stop touching containers. A job still scheduled or
// running cannot be rolled back.
func (j *rollbackJob) seal(ctx context.Context) error {
	h := j.scope.History
	if j.scope.Jobs == nil {
		if h.Sealed(j.JobID) {
			return nil
		}
		return apperrors.Conflict("job", j.JobID, "rollout history is not sealed")
	}
	inst, err := j.scope.Jobs.Get(j.JobID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		// evicted after its retention period
	case err != nil:
		return err
	case !inst.Status().Terminal():
		return apperrors.Conflict("job", j.JobID,
			fmt.Sprintf("job %s is %s; only finished jobs can be rolled back", j.JobID, inst.Status()))
	default:
		select {
		case <-inst.Finished():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.Seal(j.JobID)
	return nil
}

// targets inverts the first recorded attempt on each container of the
// original job.
func (j *rollbackJob) targets(ctx context.Context) ([]target, error) {
	seen := make(map[string]bool)
	var targets []target
	for _, e := range j.scope.History.Entries(j.JobID) {
		if seen[e.Container] || e.From == "" {
			continue
		}
		seen[e.Container] = true

		t := target{name: e.Container, to: e.From, fallback: e.spec}
		found, err := j.scope.Cluster.Containers(ctx, cluster.Filter{Name: e.Container})
		if err != nil {
			return nil, apperrors.Step(e.Container, StepResolve, err)
		}
		if len(found) > 0 {
			t.id = found[0].ID
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func validateCommon(scope *Scope, strategy *Strategy, healthCheck bool, timeout *time.Duration) error {
	if *strategy == "" {
		*strategy = DefaultStrategy
	}
	if _, err := ParseStrategy(string(*strategy)); err != nil {
		return apperrors.Validation("strategy", err.Error())
	}
	if *timeout < 0 {
		return apperrors.Validation("healthTimeout", "must not be negative")
	}
	if *timeout == 0 {
		*timeout = scope.HealthTimeout
	}
	if healthCheck && scope.Health == nil {
		return apperrors.Validation("healthCheck", "no health checker configured")
	}
	return nil
}
