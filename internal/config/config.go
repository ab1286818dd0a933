// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Cluster drivers understood by the service.
const (
	ClusterDriverDocker = "docker"
	ClusterDriverMemory = "memory"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ClusterDriver     string        // "docker" or "memory"
	JobsFile          string        // Optional YAML file of jobs submitted at startup
	WebhookURL        string        // Optional destination for job status CloudEvents
	WebhookKey        string        // HMAC key for webhook signatures
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ClusterDriver:     GetEnv("CLUSTER_DRIVER", ClusterDriverDocker),
		JobsFile:          GetEnv("JOBS_FILE", ""),
		WebhookURL:        GetEnv("WEBHOOK_URL", ""),
		WebhookKey:        GetSecretFile(GetEnv("WEBHOOK_KEY_FILE", "")),
	}
}

// Validate reports every invalid setting at once.
func (c *ServiceConfig) Validate() error {
	var result *multierror.Error

	if c.Port == "" {
		result = multierror.Append(result, fmt.Errorf("PORT must not be empty"))
	}
	if c.MetricsPort == "" {
		result = multierror.Append(result, fmt.Errorf("METRICS_PORT must not be empty"))
	}
	if c.Port != "" && c.Port == c.MetricsPort {
		result = multierror.Append(result, fmt.Errorf("PORT and METRICS_PORT must differ (both %s)", c.Port))
	}
	switch c.ClusterDriver {
	case ClusterDriverDocker, ClusterDriverMemory:
	default:
		result = multierror.Append(result, fmt.Errorf("CLUSTER_DRIVER must be %q or %q, got %q",
			ClusterDriverDocker, ClusterDriverMemory, c.ClusterDriver))
	}
	if c.ShutdownDrainWait < 0 {
		result = multierror.Append(result, fmt.Errorf("SHUTDOWN_DRAIN_WAIT must not be negative"))
	}

	return result.ErrorOrNil()
}
