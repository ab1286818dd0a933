package dispatcher

import (
	"time"

	"conductor/internal/config"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3)

	RetryWaitMin time.Duration // default: 100ms
	RetryWaitMax time.Duration // default: 5s

	BreakerThreshold int           // consecutive failures that open a host's breaker (default: 5)
	BreakerCooldown  time.Duration // open-state duration and requeue delay (default: 30s)
	MaxRequeues      int           // requeues before an event is dropped (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", 10),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 100 * time.Millisecond
	}
	if c.RetryWaitMax <= 0 {
		c.RetryWaitMax = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}

// ForwarderConfig controls which job events are sent to a webhook.
type ForwarderConfig struct {
	URL        string
	SigningKey string
	Source     string   // CloudEvent source attribute (default: "conductor")
	Events     []string // CloudEvent types to forward; empty forwards all
	Buffer     int      // subscription buffer (default: 256)
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.Source == "" {
		c.Source = "conductor"
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

// LoadForwarderConfigFromEnv reads the event filter and source. URL and key
// come from the service configuration.
func LoadForwarderConfigFromEnv(url, key string) ForwarderConfig {
	return ForwarderConfig{
		URL:        url,
		SigningKey: key,
		Source:     config.GetEnv("WEBHOOK_SOURCE", "conductor"),
		Events:     config.GetListEnv("WEBHOOK_EVENTS"),
		Buffer:     config.GetIntEnv("WEBHOOK_BUFFER", 256),
	}.withDefaults()
}
