package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"conductor/internal/cluster"
)

func TestPrimaryName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		names []string
		want  string
	}{
		{names: []string{"/web"}, want: "web"},
		{names: []string{"/proxy/upstream", "/web"}, want: "web"},
		{names: nil, want: ""},
	}
	for _, tt := range tests {
		if got := primaryName(tt.names); got != tt.want {
			t.Errorf("primaryName(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestHealthFromStatus(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Up 5 minutes (healthy)":          cluster.HealthHealthy,
		"Up 5 minutes (unhealthy)":        cluster.HealthUnhealthy,
		"Up 2 seconds (health: starting)": cluster.HealthStarting,
		"Up 5 minutes":                    "",
		"Exited (0) 3 seconds ago":        "",
	}
	for status, want := range tests {
		if got := healthFromStatus(status); got != want {
			t.Errorf("healthFromStatus(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestNetworkingConfig(t *testing.T) {
	t.Parallel()
	if got := networkingConfig(nil); got != nil {
		t.Errorf("expected nil for missing settings, got %+v", got)
	}

	settings := &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{
			"backend": {
				NetworkID:  "n1",
				Aliases:    []string{"web"},
				IPAddress:  "172.18.0.5",
				EndpointID: "e1",
			},
		},
	}
	got := networkingConfig(settings)
	ep, ok := got.EndpointsConfig["backend"]
	if !ok {
		t.Fatal("expected backend endpoint")
	}
	if ep.NetworkID != "n1" || len(ep.Aliases) != 1 || ep.Aliases[0] != "web" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}
	if ep.IPAddress != "" || ep.EndpointID != "" {
		t.Errorf("expected runtime fields dropped, got %+v", ep)
	}
}
