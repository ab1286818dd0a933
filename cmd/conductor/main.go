// conductor runs scheduled jobs and rolling container updates behind an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/api"
	"conductor/internal/cluster"
	"conductor/internal/cluster/docker"
	"conductor/internal/config"
	"conductor/internal/dispatcher"
	"conductor/internal/health"
	"conductor/internal/job"
	"conductor/internal/observability"
	"conductor/internal/rollout"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// driver is a cluster backend together with its readiness check and cleanup.
type driver struct {
	cluster.Cluster
	health.ReadinessChecker
	close func() error
}

func openCluster(name string) (*driver, error) {
	switch name {
	case config.ClusterDriverMemory:
		slog.Warn("Using in-memory cluster driver; no real containers are touched")
		mem := cluster.NewMemory()
		return &driver{Cluster: mem, ReadinessChecker: mem, close: func() error { return nil }}, nil
	default:
		c, err := docker.New(docker.LoadConfigFromEnv())
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to Docker daemon")
		return &driver{Cluster: c, ReadinessChecker: c, close: c.Close}, nil
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	jobCfg := job.LoadConfigFromEnv()
	startup, err := config.LoadJobsFile(svcCfg.JobsFile)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	drv, err := openCluster(svcCfg.ClusterDriver)
	if err != nil {
		return err
	}
	defer func() {
		if err := drv.close(); err != nil {
			slog.Warn("Cluster driver close error", "error", err)
		}
	}()

	// Register job types, then start the manager
	registry := job.NewRegistry()
	scope := &rollout.Scope{
		Cluster:       drv.Cluster,
		Health:        health.NewContainerChecker(),
		Metrics:       metrics,
		HealthTimeout: config.GetDurationEnv("ROLLOUT_HEALTH_TIMEOUT", rollout.DefaultHealthTimeout),
	}
	if err := rollout.Register(registry, scope); err != nil {
		return err
	}
	manager := job.NewManager(registry, jobCfg, slog.Default(), metrics)
	scope.Jobs = manager

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"cluster": drv.ReadinessChecker,
		"jobs":    manager,
	})

	// Webhook forwarding is optional
	var eventDispatcher *dispatcher.MemoryDispatcher
	var forwarder *dispatcher.Forwarder
	var subscription *job.Subscription
	if svcCfg.WebhookURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		forwarder = dispatcher.NewForwarder(eventDispatcher, manager,
			dispatcher.LoadForwarderConfigFromEnv(svcCfg.WebhookURL, svcCfg.WebhookKey))
		subscription = forwarder.Subscribe(manager.Subscriptions())
	}

	for i, m := range startup {
		params, err := job.ParametersFromMap(m)
		if err != nil {
			return fmt.Errorf("jobs file entry %d: %w", i, err)
		}
		inst, err := manager.Submit(ctx, params)
		if err != nil {
			return fmt.Errorf("jobs file entry %d (%s): %w", i, params.Type(), err)
		}
		slog.Info("Startup job submitted", "jobId", inst.ID(), "key", inst.Key(), "schedule", params.Schedule())
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Jobs:          manager,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		return listen(apiServer)
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		return listen(metricsServer)
	})

	// The forwarder outlives the servers so the final cancellation events
	// still reach the webhook. It returns once the manager closes its
	// subscription.
	forwarderDone := make(chan struct{})
	if forwarder != nil {
		go func() {
			defer close(forwarderDone)
			_ = forwarder.Run(context.Background(), subscription)
		}()
	} else {
		close(forwarderDone)
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if svcCfg.ShutdownDrainWait > 0 && ctx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: Stop accepting requests, finish in-flight ones
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: Cancel jobs and wait for running bodies
		managerCtx, managerCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer managerCancel()
		if err := manager.Close(managerCtx); err != nil {
			slog.Warn("Job manager shutdown error", "error", err)
		}
		stats := manager.Stats()
		slog.Info("Job manager stats",
			"created", stats.Created,
			"failures", stats.Failures,
			"conflicts", stats.Conflicts,
			"watchdogCancels", stats.WatchdogCancels,
		)

		// Phase 4: Drain webhook deliveries
		<-forwarderDone
		if eventDispatcher != nil {
			dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer dispatcherCancel()
			if err := eventDispatcher.Close(dispatcherCtx); err != nil {
				slog.Warn("Dispatcher shutdown error", "error", err)
			}
			ds := eventDispatcher.Stats()
			slog.Info("Dispatcher stats",
				"delivered", ds.Delivered,
				"failed", ds.Failed,
				"dropped", ds.Dropped,
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

// listen serves until the server is shut down.
func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}
