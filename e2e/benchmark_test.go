//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"conductor/internal/dispatcher"
	"conductor/internal/rollout"
	"conductor/internal/testutil"
	"conductor/pkg/cloudevent"
)

// BenchmarkSubmitRollouts measures API submission throughput for rollouts
// that match no containers.
func BenchmarkSubmitRollouts(b *testing.B) {
	srv := createTestServer(b, "")
	clusterName := fmt.Sprintf("bench-%d", time.Now().UnixNano())
	var seq atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			body, _ := json.Marshal(map[string]any{
				"type":    rollout.TypeRollout,
				"images":  []string{"nginx:1.26-alpine->1.27-alpine"},
				"cluster": clusterName,
				"id":      fmt.Sprintf("%s-%d", clusterName, seq.Add(1)),
			})
			resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				b.Errorf("POST: %v", err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				b.Errorf("Expected status 202, got %d", resp.StatusCode)
			}
		}
	})
}

// TestDispatcherUnderLoad sends a steady stream of job events to a healthy
// receiver while a tenth of them go to a receiver that always fails. The
// failing host's breaker must open without starving the healthy one.
func TestDispatcherUnderLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const (
		rate     = 1000 // events per second
		seconds  = 5
		total    = rate * seconds
		badEvery = 10
	)

	var healthy, broken atomic.Int64
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cloudevent.Verify(mustRead(r), signingKey, r.Header.Get(cloudevent.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		healthy.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		broken.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:       total,
		Workers:          50,
		HTTPTimeout:      2 * time.Second,
		MaxRetries:       0,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		MaxRequeues:      1,
	}, nil)
	defer d.Close(context.Background())

	ticker := time.NewTicker(time.Second / rate)
	defer ticker.Stop()

	var sentGood, sentBad atomic.Int64
	go func() {
		for i := 0; i < total; i++ {
			<-ticker.C
			dest, counter := good.URL, &sentGood
			if i%badEvery == 0 {
				dest, counter = bad.URL, &sentBad
			}
			err := d.Dispatch(&dispatcher.Event{
				Payload:     cloudevent.New("conductor.job.completed", "conductor", "load", fmt.Sprintf("load-%d", i), nil),
				Destination: dest,
				SigningKey:  signingKey,
			})
			if err == nil {
				counter.Add(1)
			}
		}
	}()

	testutil.MustWaitFor(t, func() bool {
		return sentGood.Load()+sentBad.Load() >= int64(total*0.9)
	}, testutil.WithTimeout(time.Duration(seconds+5)*time.Second))
	testutil.MustWaitFor(t, func() bool {
		return healthy.Load() >= sentGood.Load()
	}, testutil.WithTimeout(10*time.Second))

	stats := d.Stats()
	t.Logf("healthy=%d broken=%d delivered=%d failed=%d requeued=%d dropped=%d breakersOpen=%d",
		healthy.Load(), broken.Load(), stats.Delivered, stats.Failed, stats.Requeued, stats.Dropped, stats.BreakersOpen)

	if stats.BreakersOpen != 1 {
		t.Errorf("Expected exactly the failing host's breaker open, got %d", stats.BreakersOpen)
	}
	if got, sent := broken.Load(), sentBad.Load(); got >= sent {
		t.Errorf("Expected the open breaker to shield the failing host, it saw %d of %d events", got, sent)
	}
}

func mustRead(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}
