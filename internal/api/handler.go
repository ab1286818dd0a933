// Package api provides the HTTP API handlers and routing for the job service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"conductor/internal/apperrors"
	"conductor/internal/health"
	"conductor/internal/job"
	"conductor/internal/rollout"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Jobs is the part of the job manager the API uses. *job.Manager implements it.
type Jobs interface {
	Submit(ctx context.Context, params job.Parameters) (*job.Instance, error)
	Get(id string) (*job.Instance, error)
	List() []job.Info
	CancelByID(id string) error
	Types() []string
	Description(jobType string) (job.Description, error)
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs   Jobs
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs Jobs, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:   jobs,
		health: healthChecker,
	}
}

// JobResponse is a job snapshot with the results written so far.
type JobResponse struct {
	job.Info
	Results map[string]any `json:"results,omitempty"`
}

func newJobResponse(inst *job.Instance) JobResponse {
	return JobResponse{Info: inst.Info(), Results: inst.Results()}
}

// ListJobsResponse is the body of GET /v1/jobs.
type ListJobsResponse struct {
	Jobs []job.Info `json:"jobs"`
}

// ListTypesResponse is the body of GET /v1/types.
type ListTypesResponse struct {
	Types []job.Description `json:"types"`
}

// CreateJob handles POST /v1/jobs.
// The body is a flat map: type, schedule and id (alias #) are reserved, every other
// key is a job parameter.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, ok := h.decodeMap(w, r, true)
	if !ok {
		return
	}

	params, err := job.ParametersFromMap(body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.submit(w, r, params)
}

// RollbackJob handles POST /v1/jobs/{jobId}/rollback.
// An optional body may set strategy, healthCheck and healthTimeout.
func (h *Handler) RollbackJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	body, ok := h.decodeMap(w, r, false)
	if !ok {
		return
	}
	for _, reserved := range []string{job.KeyType, job.KeySchedule, job.KeyID, job.KeyIDAlias, "jobId"} {
		delete(body, reserved)
	}

	h.submit(w, r, rollout.RollbackHandle{JobID: jobID}.Params(job.WithValues(body)))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, params job.Parameters) {
	inst, err := h.jobs.Submit(r.Context(), params)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, newJobResponse(inst))
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: h.jobs.List()})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	inst, err := h.jobs.Get(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newJobResponse(inst))
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobs.CancelByID(jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListTypes handles GET /v1/types
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	names := h.jobs.Types()
	resp := ListTypesResponse{Types: make([]job.Description, 0, len(names))}
	for _, name := range names {
		d, err := h.jobs.Description(name)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		resp.Types = append(resp.Types, d)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetType handles GET /v1/types/{name}
func (h *Handler) GetType(w http.ResponseWriter, r *http.Request) {
	d, err := h.jobs.Description(r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// Livez handles GET /livez.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz.
// Returns 503 if the cluster or the job manager is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// decodeMap reads a JSON object body. An empty body is an error only when required.
func (h *Handler) decodeMap(w http.ResponseWriter, r *http.Request, required bool) (map[string]any, bool) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body := make(map[string]any)
	err := json.NewDecoder(r.Body).Decode(&body)
	if errors.Is(err, io.EOF) && !required {
		return body, true
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return nil, false
	}
	return body, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of every error reply. Field names the offending
// parameter for validation and binding errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleError handles errors from the job manager with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if errors.Is(err, job.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := ErrorResponse{Error: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	h.writeJSON(w, status, resp)
}
