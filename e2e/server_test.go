//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"conductor/internal/api"
	"conductor/internal/cluster"
	"conductor/internal/cluster/docker"
	"conductor/internal/dispatcher"
	"conductor/internal/health"
	"conductor/internal/job"
	"conductor/internal/observability"
	"conductor/internal/rollout"
	"conductor/pkg/cloudevent"
)

const signingKey = "e2e-signing-key"

// sharedMetrics registers the Prometheus exporter once per test binary.
var sharedMetrics = sync.OnceValues(func() (*observability.Metrics, error) {
	m, _, err := observability.NewMetrics(context.Background())
	return m, err
})

// testServer is an in-process conductor backed by the host Docker daemon.
type testServer struct {
	URL     string
	Cluster *docker.Cluster
	Manager *job.Manager
}

// createTestServer wires the same components as cmd/conductor. When
// webhookURL is set, job events are forwarded there.
func createTestServer(tb testing.TB, webhookURL string) *testServer {
	tb.Helper()
	ctx := context.Background()

	dc, err := docker.New(docker.Config{StopTimeout: time.Second, PullImages: true})
	if err != nil {
		tb.Fatalf("Failed to create Docker cluster: %v", err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dc.Ready(readyCtx); err != nil {
		_ = dc.Close()
		tb.Skipf("Docker daemon not reachable: %v", err)
	}

	metrics, err := sharedMetrics()
	if err != nil {
		tb.Fatalf("Failed to create metrics: %v", err)
	}

	reg := job.NewRegistry()
	scope := &rollout.Scope{
		Cluster:       dc,
		Health:        health.NewContainerChecker(),
		Metrics:       metrics,
		HealthTimeout: 30 * time.Second,
	}
	if err := rollout.Register(reg, scope); err != nil {
		tb.Fatalf("rollout.Register: %v", err)
	}
	mgr := job.NewManager(reg, job.Config{Workers: 4}, nil, metrics)
	scope.Jobs = mgr

	var (
		d             *dispatcher.MemoryDispatcher
		forwarderDone = make(chan struct{})
	)
	if webhookURL != "" {
		d = dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 100, Workers: 2}, metrics)
		fwd := dispatcher.NewForwarder(d, mgr, dispatcher.ForwarderConfig{URL: webhookURL, SigningKey: signingKey})
		sub := fwd.Subscribe(mgr.Subscriptions())
		go func() {
			defer close(forwarderDone)
			_ = fwd.Run(context.Background(), sub)
		}()
	} else {
		close(forwarderDone)
	}

	checker := health.NewChecker(map[string]health.ReadinessChecker{"cluster": dc, "jobs": mgr})
	router := api.NewRouter(api.RouterConfig{Jobs: mgr, Metrics: metrics, HealthChecker: checker})
	server := httptest.NewServer(router)

	tb.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
		<-forwarderDone
		if d != nil {
			_ = d.Close(ctx)
		}
		_ = dc.Close()
	})

	return &testServer{URL: server.URL, Cluster: dc, Manager: mgr}
}

// getTestURL returns the base URL for e2e tests. If E2E_API_URL is set,
// tests run against that instance; otherwise an in-process server is used.
func getTestURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return createTestServer(t, "").URL
}

// webhookReceiver records verified CloudEvents per job id.
type webhookReceiver struct {
	server *httptest.Server

	mu       sync.Mutex
	events   map[string][]*cloudevent.CloudEvent
	rejected int
}

func newWebhookReceiver(t *testing.T) *webhookReceiver {
	t.Helper()
	r := &webhookReceiver{events: make(map[string][]*cloudevent.CloudEvent)}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !cloudevent.Verify(body, signingKey, req.Header.Get(cloudevent.SignatureHeader)) {
			r.mu.Lock()
			r.rejected++
			r.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev cloudevent.CloudEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.events[ev.Subject] = append(r.events[ev.Subject], &ev)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *webhookReceiver) eventsFor(jobID string) []*cloudevent.CloudEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cloudevent.CloudEvent(nil), r.events[jobID]...)
}

func (r *webhookReceiver) rejectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// startContainers runs n long-lived containers of image in a fresh cluster
// and removes whatever carries that cluster label at cleanup.
func startContainers(t *testing.T, dc *docker.Cluster, clusterName, image string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := dc.CreateAndStart(ctx, cluster.Spec{
			Name:    fmt.Sprintf("%s-%d", clusterName, i),
			Image:   image,
			Cluster: clusterName,
		})
		if err != nil {
			t.Fatalf("CreateAndStart: %v", err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		list, err := dc.Containers(ctx, cluster.Filter{Cluster: clusterName, All: true})
		if err != nil {
			return
		}
		for _, c := range list {
			_ = dc.Stop(ctx, c.ID)
		}
	})
}

func imagesByName(t *testing.T, dc *docker.Cluster, clusterName string) map[string]string {
	t.Helper()
	list, err := dc.Containers(context.Background(), cluster.Filter{Cluster: clusterName})
	if err != nil {
		t.Fatalf("Containers: %v", err)
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		out[c.Name] = c.Image
	}
	return out
}
