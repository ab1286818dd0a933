// Package docker implements cluster.Cluster using the Docker API.
// Containers are managed directly on the host Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"conductor/internal/apperrors"
	"conductor/internal/cluster"
)

// Cluster implements cluster.Cluster using Docker.
type Cluster struct {
	client      *client.Client
	stopTimeout int
	pullImages  bool
	logger      *slog.Logger
}

// native is the Docker snapshot carried in cluster.Spec.Native.
type native struct {
	config  *container.Config
	host    *container.HostConfig
	network *network.NetworkingConfig
}

// New creates a Docker cluster driver from the environment's Docker settings.
func New(cfg Config) (*Cluster, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	stopTimeout := int(cfg.StopTimeout.Seconds())
	if stopTimeout <= 0 {
		stopTimeout = 10
	}

	return &Cluster{
		client:      dockerClient,
		stopTimeout: stopTimeout,
		pullImages:  cfg.PullImages,
		logger:      slog.With("component", "docker"),
	}, nil
}

// Containers lists containers matching f.
func (c *Cluster) Containers(ctx context.Context, f cluster.Filter) ([]cluster.Container, error) {
	args := filters.NewArgs()
	if f.Cluster != "" {
		args.Add("label", cluster.LabelCluster+"="+f.Cluster)
	}
	if f.Name != "" {
		args.Add("name", "^/"+f.Name+"$")
	}
	for k, v := range f.Labels {
		args.Add("label", k+"="+v)
	}

	summaries, err := c.client.ContainerList(ctx, container.ListOptions{All: f.All, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]cluster.Container, 0, len(summaries))
	for _, s := range summaries {
		ct := cluster.Container{
			ID:      s.ID,
			Name:    primaryName(s.Names),
			Image:   s.Image,
			Cluster: s.Labels[cluster.LabelCluster],
			State:   string(s.State),
			Labels:  maps.Clone(s.Labels),
		}
		// The list endpoint reports health only in the status text.
		ct.Health = healthFromStatus(s.Status)
		if f.Match(ct) {
			out = append(out, ct)
		}
	}
	return out, nil
}

// Container inspects one container and snapshots everything needed to
// recreate it.
func (c *Cluster) Container(ctx context.Context, id string) (cluster.Container, error) {
	inspect, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return cluster.Container{}, apperrors.NotFound("container", id)
		}
		return cluster.Container{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.Config == nil {
		return cluster.Container{}, fmt.Errorf("incomplete inspect response for container %s", id)
	}

	name := strings.TrimPrefix(inspect.Name, "/")
	labels := maps.Clone(inspect.Config.Labels)
	ct := cluster.Container{
		ID:      inspect.ID,
		Name:    name,
		Image:   inspect.Config.Image,
		Cluster: labels[cluster.LabelCluster],
		Labels:  labels,
	}
	if inspect.State != nil {
		ct.State = string(inspect.State.Status)
		if inspect.State.Health != nil && inspect.State.Health.Status != container.NoHealthcheck {
			ct.Health = string(inspect.State.Health.Status)
		}
	}

	cfg := *inspect.Config
	cfg.Labels = maps.Clone(inspect.Config.Labels)
	// Docker defaults the hostname to the short container ID; let the
	// replacement pick its own.
	if len(inspect.ID) >= 12 && cfg.Hostname == inspect.ID[:12] {
		cfg.Hostname = ""
	}
	var host *container.HostConfig
	if inspect.HostConfig != nil {
		h := *inspect.HostConfig
		host = &h
	}

	ct.Spec = cluster.Spec{
		Name:    name,
		Image:   cfg.Image,
		Cluster: ct.Cluster,
		Labels:  maps.Clone(labels),
		Native: native{
			config:  &cfg,
			host:    host,
			network: networkingConfig(inspect.NetworkSettings),
		},
	}
	return ct, nil
}

// networkingConfig copies the endpoint settings a new container needs to
// join the same networks under the same aliases.
func networkingConfig(settings *container.NetworkSettings) *network.NetworkingConfig {
	if settings == nil || len(settings.Networks) == 0 {
		return nil
	}
	endpoints := make(map[string]*network.EndpointSettings, len(settings.Networks))
	for name, ep := range settings.Networks {
		if ep == nil {
			continue
		}
		endpoints[name] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Links:      ep.Links,
			Aliases:    ep.Aliases,
			NetworkID:  ep.NetworkID,
			DriverOpts: ep.DriverOpts,
		}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}

// Stop stops and removes a container.
func (c *Cluster) Stop(ctx context.Context, id string) error {
	timeout := c.stopTimeout
	if err := c.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return apperrors.NotFound("container", id)
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	if err := c.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// CreateAndStart creates a container from spec and starts it. A Native
// snapshot from Container is reused with the image, name and labels
// overridden.
func (c *Cluster) CreateAndStart(ctx context.Context, spec cluster.Spec) (cluster.Container, error) {
	cfg := &container.Config{}
	var host *container.HostConfig
	var net *network.NetworkingConfig
	if n, ok := spec.Native.(native); ok {
		copied := *n.config
		cfg = &copied
		host = n.host
		net = n.network
	}
	cfg.Image = spec.Image
	cfg.Labels = maps.Clone(spec.Labels)
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string)
	}
	if spec.Cluster != "" {
		cfg.Labels[cluster.LabelCluster] = spec.Cluster
	}
	cfg.Labels[cluster.LabelManagedBy] = "conductor"

	if c.pullImages {
		if err := c.pullImageIfNeeded(ctx, spec.Image); err != nil {
			return cluster.Container{}, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
	}

	resp, err := c.client.ContainerCreate(ctx, cfg, host, net, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return cluster.Container{}, apperrors.Conflict("container", spec.Name, err.Error())
		}
		return cluster.Container{}, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("Container create warning", "container", spec.Name, "warning", w)
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return cluster.Container{}, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	c.logger.Info("Container started", "container", spec.Name, "id", resp.ID, "image", spec.Image)
	return c.Container(ctx, resp.ID)
}

// Rename renames a container in place.
func (c *Cluster) Rename(ctx context.Context, id, name string) error {
	if err := c.client.ContainerRename(ctx, id, name); err != nil {
		if errdefs.IsNotFound(err) {
			return apperrors.NotFound("container", id)
		}
		return fmt.Errorf("failed to rename container %s: %w", id, err)
	}
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (c *Cluster) Ready(ctx context.Context) error {
	_, err := c.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (c *Cluster) Close() error {
	return c.client.Close()
}

func (c *Cluster) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := c.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := c.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func primaryName(names []string) string {
	for _, n := range names {
		n = strings.TrimPrefix(n, "/")
		// Linked containers also appear as "/other/alias".
		if !strings.Contains(n, "/") {
			return n
		}
	}
	return ""
}

func healthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(healthy)"):
		return cluster.HealthHealthy
	case strings.Contains(status, "(unhealthy)"):
		return cluster.HealthUnhealthy
	case strings.Contains(status, "(health: starting)"):
		return cluster.HealthStarting
	}
	return ""
}

var (
	_ cluster.Cluster = (*Cluster)(nil)
	_ cluster.Renamer = (*Cluster)(nil)
)
