package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conductor/internal/apperrors"
	"conductor/internal/cluster"
)

// nextSuffix names a replacement while its original is still running.
const nextSuffix = "_next"

// target is one container to move to version to.
type target struct {
	name string
	id   string // empty when the container no longer exists
	to   string

	// fallback recreates a missing container.
	fallback cluster.Spec
}

// step is a target resolved against the cluster.
type step struct {
	target
	current cluster.Container
	missing bool
	spec    cluster.Spec // replacement spec, already on the new image
	entry   *Entry
}

// executor applies one strategy to a batch of targets and records every
// attempt in the history.
type executor struct {
	cluster       cluster.Cluster
	health        HealthChecker
	healthCheck   bool
	healthTimeout time.Duration
	history       *History
	metrics       MetricsRecorder
	logger        *slog.Logger
	jobID         string
	strategy      Strategy

	migrated int
}

func (x *executor) run(ctx context.Context, targets []target) error {
	switch x.strategy {
	case StopThenStartAll:
		return x.stopThenStartAll(ctx, targets)
	case StartThenStopEach:
		return x.startThenStopEach(ctx, targets)
	case StopThenStartEach:
		return x.stopThenStartEach(ctx, targets)
	}
	return apperrors.Validation("strategy", fmt.Sprintf("unknown strategy %q", x.strategy))
}

func (x *executor) stopThenStartEach(ctx context.Context, targets []target) error {
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := x.prepare(ctx, t)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		if err := x.stop(ctx, s); err != nil {
			return err
		}
		created, err := x.start(ctx, s, s.name)
		if err != nil {
			return err
		}
		if err := x.check(ctx, s, created); err != nil {
			return err
		}
		x.done(s, created)
	}
	return nil
}

func (x *executor) stopThenStartAll(ctx context.Context, targets []target) error {
	stopped := make([]*step, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := x.prepare(ctx, t)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		if err := x.stop(ctx, s); err != nil {
			return err
		}
		stopped = append(stopped, s)
	}

	for _, s := range stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := x.start(ctx, s, s.name)
		if err != nil {
			return err
		}
		if err := x.check(ctx, s, created); err != nil {
			return err
		}
		x.done(s, created)
	}
	return nil
}

func (x *executor) startThenStopEach(ctx context.Context, targets []target) error {
	renamer, canRename := x.cluster.(cluster.Renamer)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := x.prepare(ctx, t)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}

		// Nothing to run next to; start under the real name.
		if s.missing {
			created, err := x.start(ctx, s, s.name)
			if err != nil {
				return err
			}
			if err := x.check(ctx, s, created); err != nil {
				return err
			}
			x.done(s, created)
			continue
		}

		created, err := x.start(ctx, s, s.name+nextSuffix)
		if err != nil {
			return err
		}
		if err := x.check(ctx, s, created); err != nil {
			if stopErr := x.cluster.Stop(context.WithoutCancel(ctx), created.ID); stopErr != nil {
				x.history.comment(s.entry, fmt.Sprintf("replacement %s left running: %v", created.Name, stopErr))
			} else {
				x.history.comment(s.entry, fmt.Sprintf("replacement %s removed", created.Name))
			}
			return err
		}
		if err := x.stop(ctx, s); err != nil {
			return err
		}
		if canRename {
			if err := renamer.Rename(ctx, created.ID, s.name); err != nil {
				err = apperrors.Step(s.name, StepRename, err)
				x.fail(ctx, s, StepRename, err)
				return err
			}
			created.Name = s.name
		} else {
			x.history.comment(s.entry, fmt.Sprintf("replacement runs as %s", created.Name))
		}
		x.done(s, created)
	}
	return nil
}

// prepare resolves the container's current image, computes the replacement
// and records the attempt. It returns a nil step when the container needs
// no change.
func (x *executor) prepare(ctx context.Context, t target) (*step, error) {
	s := &step{target: t}

	var err error
	if t.id != "" {
		s.current, err = x.cluster.Container(ctx, t.id)
		if errors.Is(err, apperrors.ErrNotFound) && t.fallback.Image != "" {
			err = nil
			s.missing = true
		}
	} else if t.fallback.Image != "" {
		s.missing = true
	} else {
		err = apperrors.NotFound("container", t.name)
	}
	if err != nil {
		stepErr := apperrors.Step(t.name, StepResolve, err)
		e := x.history.append(Entry{JobID: x.jobID, Container: t.name, ContainerID: t.id, To: t.to})
		x.fail(ctx, &step{target: t, entry: e}, StepResolve, stepErr)
		return nil, stepErr
	}

	source := s.current.Spec
	image := s.current.Image
	if s.missing {
		source = t.fallback
		image = t.fallback.Image
	}

	repo, from, err := cluster.ParseImage(image)
	if err == nil {
		s.spec.Image, err = cluster.Retag(image, t.to)
	}
	if err != nil {
		stepErr := apperrors.Step(t.name, StepResolve, err)
		e := x.history.append(Entry{JobID: x.jobID, Container: t.name, ContainerID: t.id, Image: image, To: t.to})
		x.fail(ctx, &step{target: t, entry: e}, StepResolve, stepErr)
		return nil, stepErr
	}
	s.spec = source.WithImage(s.spec.Image)

	s.entry = x.history.append(Entry{
		JobID:       x.jobID,
		Container:   t.name,
		ContainerID: s.current.ID,
		Image:       repo,
		From:        from,
		To:          t.to,
		spec:        source,
	})

	if s.missing {
		x.history.comment(s.entry, "container missing, recreating from recorded configuration")
		if from == t.to {
			return s, nil
		}
	}
	if from == t.to {
		x.history.comment(s.entry, fmt.Sprintf("already at version %s", t.to))
		return nil, nil
	}
	return s, nil
}

func (x *executor) stop(ctx context.Context, s *step) error {
	if s.missing {
		return nil
	}
	if err := x.cluster.Stop(ctx, s.current.ID); err != nil {
		err = apperrors.Step(s.name, StepStop, err)
		x.fail(ctx, s, StepStop, err)
		return err
	}
	x.record(ctx, StepStop, true)
	return nil
}

func (x *executor) start(ctx context.Context, s *step, name string) (cluster.Container, error) {
	created, err := x.cluster.CreateAndStart(ctx, s.spec.WithName(name))
	if err != nil {
		err = apperrors.Step(s.name, StepStart, err)
		x.fail(ctx, s, StepStart, err)
		return cluster.Container{}, err
	}
	x.record(ctx, StepStart, true)
	return created, nil
}

func (x *executor) check(ctx context.Context, s *step, created cluster.Container) error {
	if !x.healthCheck || x.health == nil {
		return nil
	}
	healthy, err := x.health.CheckContainer(ctx, x.cluster, created.ID, x.healthTimeout)
	if err != nil {
		err = apperrors.Step(s.name, StepHealth, err)
		x.fail(ctx, s, StepHealth, err)
		return err
	}
	if !healthy {
		err = apperrors.HealthTimeout(s.name, fmt.Errorf("waited %s", x.healthTimeout))
		x.fail(ctx, s, StepHealth, err)
		return err
	}
	x.record(ctx, StepHealth, true)
	return nil
}

func (x *executor) fail(ctx context.Context, s *step, stepName string, err error) {
	x.history.fail(s.entry, stepName, err)
	x.record(ctx, stepName, false)
	x.logger.Warn("Rollout step failed",
		"container", s.name,
		"step", stepName,
		"error", err,
	)
}

func (x *executor) done(s *step, created cluster.Container) {
	x.migrated++
	x.logger.Info("Container migrated",
		"container", s.name,
		"image", s.spec.Image,
		"containerId", created.ID,
	)
}

func (x *executor) record(ctx context.Context, stepName string, success bool) {
	if x.metrics != nil {
		x.metrics.RecordRolloutStep(ctx, string(x.strategy), stepName, success)
	}
}
