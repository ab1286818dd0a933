package cluster

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"conductor/internal/apperrors"
)

// Operations recorded in the Memory journal and targeted by FailOn.
const (
	OpStop   = "stop"
	OpStart  = "start"
	OpRename = "rename"
)

// Op is one mutation applied to a Memory cluster.
type Op struct {
	Op        string
	Container string // container name at the time of the operation
	Image     string
}

type memContainer struct {
	Container
	seq int
}

// Memory is an in-process Cluster. Containers exist only in memory; it backs
// the memory driver and rollout tests.
type Memory struct {
	mu          sync.Mutex
	containers  map[string]*memContainer
	seq         int
	failures    map[string]error // op + "/" + name
	imageHealth map[string]string
	journal     []Op
}

// NewMemory creates an empty in-memory cluster.
func NewMemory() *Memory {
	return &Memory{
		containers:  make(map[string]*memContainer),
		failures:    make(map[string]error),
		imageHealth: make(map[string]string),
	}
}

// Add seeds a running container and returns it.
func (m *Memory) Add(name, image, cluster string, labels map[string]string) Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(Spec{Name: name, Image: image, Cluster: cluster, Labels: labels}).Container
}

func (m *Memory) add(spec Spec) *memContainer {
	m.seq++
	labels := maps.Clone(spec.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	if spec.Cluster != "" {
		labels[LabelCluster] = spec.Cluster
	}
	health, ok := m.imageHealth[spec.Image]
	if !ok {
		health = HealthHealthy
	}
	c := &memContainer{
		Container: Container{
			ID:      fmt.Sprintf("mem-%04d", m.seq),
			Name:    spec.Name,
			Image:   spec.Image,
			Cluster: spec.Cluster,
			State:   StateRunning,
			Health:  health,
			Labels:  labels,
		},
		seq: m.seq,
	}
	m.containers[c.ID] = c
	return c
}

// FailOn makes the next op on the container named name return err.
func (m *Memory) FailOn(op, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+"/"+name] = err
}

// SetImageHealth sets the health reported by containers created from image.
func (m *Memory) SetImageHealth(image, health string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageHealth[image] = health
}

// SetHealth changes the health of a running container.
func (m *Memory) SetHealth(id, health string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return apperrors.NotFound("container", id)
	}
	c.Health = health
	return nil
}

// Exit marks a container as exited without removing it.
func (m *Memory) Exit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return apperrors.NotFound("container", id)
	}
	c.State = StateExited
	return nil
}

// Journal returns the mutations applied so far, oldest first.
func (m *Memory) Journal() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.journal)
}

func (m *Memory) takeFailure(op, name string) error {
	key := op + "/" + name
	err, ok := m.failures[key]
	if ok {
		delete(m.failures, key)
	}
	return err
}

func (m *Memory) snapshot(c *memContainer) Container {
	out := c.Container
	out.Labels = maps.Clone(c.Labels)
	return out
}

// Containers lists matching containers in creation order.
func (m *Memory) Containers(ctx context.Context, f Filter) ([]Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*memContainer, 0, len(m.containers))
	for _, c := range m.containers {
		all = append(all, c)
	}
	slices.SortFunc(all, func(a, b *memContainer) int { return a.seq - b.seq })

	var out []Container
	for _, c := range all {
		if f.Match(c.Container) {
			out = append(out, m.snapshot(c))
		}
	}
	return out, nil
}

// Container inspects one container.
func (m *Memory) Container(ctx context.Context, id string) (Container, error) {
	if err := ctx.Err(); err != nil {
		return Container{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return Container{}, apperrors.NotFound("container", id)
	}
	out := m.snapshot(c)
	out.Spec = Spec{
		Name:    c.Name,
		Image:   c.Image,
		Cluster: c.Cluster,
		Labels:  maps.Clone(c.Labels),
	}
	return out, nil
}

// Stop removes a container.
func (m *Memory) Stop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return apperrors.NotFound("container", id)
	}
	if err := m.takeFailure(OpStop, c.Name); err != nil {
		return err
	}
	delete(m.containers, id)
	m.journal = append(m.journal, Op{Op: OpStop, Container: c.Name, Image: c.Image})
	return nil
}

// CreateAndStart creates and starts a container. Names must be unique.
func (m *Memory) CreateAndStart(ctx context.Context, spec Spec) (Container, error) {
	if err := ctx.Err(); err != nil {
		return Container{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(OpStart, spec.Name); err != nil {
		return Container{}, err
	}
	for _, c := range m.containers {
		if c.Name == spec.Name {
			return Container{}, apperrors.Conflict("container", spec.Name,
				fmt.Sprintf("container name %q already in use", spec.Name))
		}
	}
	c := m.add(spec)
	m.journal = append(m.journal, Op{Op: OpStart, Container: c.Name, Image: c.Image})
	return m.snapshot(c), nil
}

// Rename renames a container.
func (m *Memory) Rename(ctx context.Context, id, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return apperrors.NotFound("container", id)
	}
	if err := m.takeFailure(OpRename, c.Name); err != nil {
		return err
	}
	for _, other := range m.containers {
		if other.ID != id && other.Name == name {
			return apperrors.Conflict("container", name, fmt.Sprintf("container name %q already in use", name))
		}
	}
	m.journal = append(m.journal, Op{Op: OpRename, Container: c.Name, Image: name})
	c.Name = name
	return nil
}

// Ready always succeeds.
func (m *Memory) Ready(ctx context.Context) error {
	return nil
}

var (
	_ Cluster = (*Memory)(nil)
	_ Renamer = (*Memory)(nil)
)
