package docker

import (
	"time"

	"conductor/internal/config"
)

// Config holds configuration for the Docker cluster driver.
type Config struct {
	StopTimeout time.Duration // Grace period before a stopped container is killed
	PullImages  bool          // Pull images missing from the daemon before creating containers
}

// LoadConfigFromEnv loads Docker driver configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		StopTimeout: config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
		PullImages:  config.GetBoolEnv("DOCKER_PULL_IMAGES", true),
	}
}
