package job

import (
	"maps"
	"sync"
)

// Context is the per-instance parameter/result scope handed to Job.Run.
//
// Parameters are read-only. Results are written by the running job (directly
// via SetResult, or indirectly through output fields read back after each run)
// and are only guaranteed consistent once the instance is terminal.
type Context struct {
	jobID  string
	params Parameters

	mu      sync.RWMutex
	results map[string]any
}

func newContext(jobID string, params Parameters) *Context {
	return &Context{
		jobID:   jobID,
		params:  params,
		results: make(map[string]any),
	}
}

// JobID returns the id of the owning instance.
func (c *Context) JobID() string { return c.jobID }

// Parameters returns the submission bag.
func (c *Context) Parameters() Parameters { return c.params }

// SetResult records a named result.
func (c *Context) SetResult(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[name] = value
}

// Result returns a single result.
func (c *Context) Result(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[name]
	return v, ok
}

// Results returns a copy of all results.
func (c *Context) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.results)
}

func (c *Context) merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.results, values)
}
