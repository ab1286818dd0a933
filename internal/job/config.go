package job

import (
	"log/slog"
	"time"

	"conductor/internal/config"
	"conductor/internal/watchdog"
)

// Config holds manager configuration.
type Config struct {
	Workers     int             // Max concurrently executing job bodies (default: 32)
	EventBuffer int             // Notifier queue size (default: 10000)
	Location    *time.Location  // Time zone for cron schedules (default: Local)
	Watchdog    watchdog.Config // Consecutive-failure policy per identity

	// Retention is how long finished instances stay queryable
	// (default: 1h, negative keeps them forever).
	Retention     time.Duration
	PruneInterval time.Duration // How often finished instances are evicted (default: 1m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     32,
		EventBuffer: 10000,
		Location:    time.Local,
		Watchdog:    watchdog.DefaultConfig(),

		Retention:     time.Hour,
		PruneInterval: time.Minute,
	}
}

// LoadConfigFromEnv loads manager config from environment variables.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Workers = config.GetIntEnv("JOB_WORKERS", cfg.Workers)
	cfg.EventBuffer = config.GetIntEnv("JOB_EVENT_BUFFER", cfg.EventBuffer)
	cfg.Watchdog.Threshold = config.GetIntEnv("WATCHDOG_THRESHOLD", cfg.Watchdog.Threshold)
	cfg.Retention = config.GetDurationEnv("JOB_RETENTION", cfg.Retention)
	cfg.PruneInterval = config.GetDurationEnv("JOB_PRUNE_INTERVAL", cfg.PruneInterval)

	if tz := config.GetEnv("JOB_TIMEZONE", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			slog.Warn("Invalid JOB_TIMEZONE, using local time", "value", tz, "error", err)
		} else {
			cfg.Location = loc
		}
	}

	if raw := config.GetEnv("WATCHDOG_RESET", ""); raw != "" {
		policy, err := watchdog.ParseResetPolicy(raw)
		if err != nil {
			slog.Warn("Invalid WATCHDOG_RESET, using default", "value", raw, "error", err)
		} else {
			cfg.Watchdog.Reset = policy
		}
	}

	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.Watchdog.Threshold == 0 {
		c.Watchdog.Threshold = d.Watchdog.Threshold
	}
	if c.Retention == 0 {
		c.Retention = d.Retention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	return c
}
