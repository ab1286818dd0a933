package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// jobsFile is the on-disk shape of JOBS_FILE.
//
//	jobs:
//	  - type: rollout
//	    schedule: "0 */5 * * * *"
//	    id: nightly-web
//	    images:
//	      - {name: web, from: "*", to: stable}
type jobsFile struct {
	Jobs []map[string]any `yaml:"jobs"`
}

// LoadJobsFile reads job submissions declared in a YAML file.
// Each entry is a flat submission map using the reserved keys type, schedule and id.
// An empty path yields no jobs.
func LoadJobsFile(path string) ([]map[string]any, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", path, err)
	}

	for i, j := range f.Jobs {
		if t, _ := j["type"].(string); t == "" {
			return nil, fmt.Errorf("jobs file %s: entry %d has no type", path, i)
		}
	}
	return f.Jobs, nil
}
