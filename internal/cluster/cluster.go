// Package cluster defines the container operations used by rollouts and
// provides an in-process implementation. The Docker implementation lives in
// the docker subpackage.
package cluster

import (
	"context"
	"maps"
)

// Labels understood by every driver.
const (
	LabelCluster   = "conductor.cluster"
	LabelManagedBy = "managed-by"
)

// Container states
const (
	StateCreated = "created"
	StateRunning = "running"
	StateExited  = "exited"
)

// Health states reported by drivers. An empty health means the container
// defines no health check.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Container is a snapshot of one container.
type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Cluster string            `json:"cluster,omitempty"`
	State   string            `json:"state"`
	Health  string            `json:"health,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`

	// Spec reproduces the container. Only populated by Cluster.Container.
	Spec Spec `json:"-"`
}

// Running reports whether the container is running.
func (c Container) Running() bool { return c.State == StateRunning }

// Spec describes a container to create.
//
// Native carries the driver's own snapshot of the source container so that
// networks, volumes, restart policy and every other setting survive
// recreation unchanged. Drivers ignore a Native value they did not produce.
type Spec struct {
	Name    string
	Image   string
	Cluster string
	Labels  map[string]string
	Native  any
}

// WithImage returns a copy of s running image.
func (s Spec) WithImage(image string) Spec {
	s.Image = image
	s.Labels = maps.Clone(s.Labels)
	return s
}

// WithName returns a copy of s named name.
func (s Spec) WithName(name string) Spec {
	s.Name = name
	s.Labels = maps.Clone(s.Labels)
	return s
}

// Filter selects containers.
type Filter struct {
	Cluster string            // LabelCluster value; empty matches any
	Name    string            // exact container name; empty matches any
	Labels  map[string]string // every label must match
	All     bool              // include containers that are not running
}

// Match reports whether c satisfies f.
func (f Filter) Match(c Container) bool {
	if f.Cluster != "" && c.Cluster != f.Cluster {
		return false
	}
	if f.Name != "" && c.Name != f.Name {
		return false
	}
	for k, v := range f.Labels {
		if c.Labels[k] != v {
			return false
		}
	}
	return f.All || c.Running()
}

// Cluster is the set of container operations a rollout needs.
type Cluster interface {
	// Containers lists containers matching f.
	Containers(ctx context.Context, f Filter) ([]Container, error)

	// Container inspects one container, including its Spec.
	Container(ctx context.Context, id string) (Container, error)

	// Stop stops and removes a container.
	Stop(ctx context.Context, id string) error

	// CreateAndStart creates a container from spec and starts it.
	CreateAndStart(ctx context.Context, spec Spec) (Container, error)
}

// Renamer is implemented by clusters that can rename a container in place.
type Renamer interface {
	Rename(ctx context.Context, id, name string) error
}
