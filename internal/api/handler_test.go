package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"conductor/internal/cluster"
	"conductor/internal/health"
	"conductor/internal/job"
	"conductor/internal/rollout"
)

type greetJob struct {
	Name     string `param:"name,required"`
	Greeting string `param:"greeting,output"`
}

func (j *greetJob) Run(ctx context.Context, jc *job.Context) error {
	j.Greeting = "hello " + j.Name
	return nil
}

type testAPI struct {
	handler http.Handler
	manager *job.Manager
	cluster *cluster.Memory
}

func newTestAPI(t *testing.T, apiKey string) *testAPI {
	t.Helper()
	mem := cluster.NewMemory()
	for i := 1; i <= 2; i++ {
		mem.Add(fmt.Sprintf("web-%d", i), "testimage:1", "blue", nil)
	}

	reg := job.NewRegistry()
	reg.MustRegister("greet", func() job.Job { return &greetJob{} })
	scope := &rollout.Scope{Cluster: mem}
	if err := rollout.Register(reg, scope); err != nil {
		t.Fatalf("rollout.Register: %v", err)
	}
	mgr := job.NewManager(reg, job.Config{Workers: 2}, nil, nil)
	scope.Jobs = mgr
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	checker := health.NewChecker(map[string]health.ReadinessChecker{"cluster": mem, "jobs": mgr})
	return &testAPI{
		handler: NewRouter(RouterConfig{Jobs: mgr, HealthChecker: checker, APIKey: apiKey}),
		manager: mgr,
		cluster: mem,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

// submit posts body and waits for the job to end.
func (a *testAPI) submit(t *testing.T, path, body string) JobResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, path, body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST %s = %d: %s", path, w.Code, w.Body.String())
	}
	var created JobResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	inst, err := a.manager.Get(created.ID)
	if err != nil {
		t.Fatalf("Get(%s): %v", created.ID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.manager.AtEnd(ctx, inst); err != nil {
		t.Fatalf("AtEnd: %v", err)
	}
	return created
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, w.Body.String())
	}
	return v
}

func TestAPI_CreateAndGetJob(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	created := a.submit(t, "/v1/jobs", `{"type": "greet", "name": "ops"}`)
	if created.Type != "greet" || created.Key != "greet" {
		t.Errorf("created = %+v", created.Info)
	}

	w := a.do(t, http.MethodGet, "/v1/jobs/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET = %d", w.Code)
	}
	got := decode[JobResponse](t, w)
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if diff := cmp.Diff(map[string]any{"greeting": "hello ops"}, got.Results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	list := decode[ListJobsResponse](t, a.do(t, http.MethodGet, "/v1/jobs", ""))
	if len(list.Jobs) != 1 || list.Jobs[0].ID != created.ID {
		t.Errorf("list = %+v", list.Jobs)
	}
}

func TestAPI_CreateJobErrors(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{"empty body", "", http.StatusBadRequest, ""},
		{"malformed JSON", `{"type": greet}`, http.StatusBadRequest, ""},
		{"missing type", `{"name": "ops"}`, http.StatusBadRequest, "type"},
		{"unknown type", `{"type": "nope"}`, http.StatusUnprocessableEntity, ""},
		{"missing required parameter", `{"type": "greet"}`, http.StatusBadRequest, "name"},
		{"bad schedule", `{"type": "greet", "name": "x", "schedule": "whenever"}`, http.StatusBadRequest, ""},
		{"bad rollout strategy", `{"type": "rollout", "images": ["testimage:1->2"], "strategy": "yolo"}`, http.StatusBadRequest, "strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/v1/jobs", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			resp := decode[ErrorResponse](t, w)
			if resp.Error == "" {
				t.Error("expected error message")
			}
			if tt.wantField != "" && resp.Field != tt.wantField {
				t.Errorf("field = %q, want %q", resp.Field, tt.wantField)
			}
		})
	}
}

func TestAPI_NotFound(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/jobs/missing"},
		{http.MethodDelete, "/v1/jobs/missing"},
	} {
		if w := a.do(t, tc.method, tc.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestAPI_CancelRecurringJob(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodPost, "/v1/jobs", `{"type": "greet", "name": "ops", "schedule": "0 0 0 1 1 *", "id": "yearly"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST = %d: %s", w.Code, w.Body.String())
	}
	created := decode[JobResponse](t, w)
	if created.Key != "greet#yearly" || created.Status != job.StatusScheduled {
		t.Errorf("created = %+v", created.Info)
	}

	if w := a.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", w.Code)
	}
	// Cancelling twice is a no-op.
	if w := a.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("second DELETE = %d", w.Code)
	}

	got := decode[JobResponse](t, a.do(t, http.MethodGet, "/v1/jobs/"+created.ID, ""))
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestAPI_RolloutAndRollback(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	rolled := a.submit(t, "/v1/jobs", `{"type": "rollout", "images": ["testimage:1->2"], "strategy": "stopThenStartAll"}`)
	if v := versions(t, a.cluster); !cmp.Equal(v, map[string]string{"web-1": "testimage:2", "web-2": "testimage:2"}) {
		t.Fatalf("after rollout: %v", v)
	}

	back := a.submit(t, "/v1/jobs/"+rolled.ID+"/rollback", "")
	got := decode[JobResponse](t, a.do(t, http.MethodGet, "/v1/jobs/"+back.ID, ""))
	if got.Type != rollout.TypeRollback || got.Status != job.StatusCompleted {
		t.Errorf("rollback = %+v", got.Info)
	}
	if got.Key != rollout.TypeRollback+"#"+rolled.ID {
		t.Errorf("rollback key = %q", got.Key)
	}
	if v := versions(t, a.cluster); !cmp.Equal(v, map[string]string{"web-1": "testimage:1", "web-2": "testimage:1"}) {
		t.Errorf("after rollback: %v", v)
	}
}

func TestAPI_RollbackUnknownJob(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodPost, "/v1/jobs/missing/rollback", `{"strategy": "stopThenStartEach"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400 (body %s)", w.Code, w.Body.String())
	}
	if resp := decode[ErrorResponse](t, w); resp.Field != "jobId" {
		t.Errorf("field = %q, want jobId", resp.Field)
	}
}

func TestAPI_Types(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	list := decode[ListTypesResponse](t, a.do(t, http.MethodGet, "/v1/types", ""))
	var names []string
	for _, d := range list.Types {
		names = append(names, d.Name)
	}
	if diff := cmp.Diff([]string{"greet", rollout.TypeRollback, rollout.TypeRollout}, names); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}

	greet := decode[job.Description](t, a.do(t, http.MethodGet, "/v1/types/greet", ""))
	want := job.Description{Name: "greet", Params: []job.ParamDescription{
		{Name: "name", Type: "string", Required: true},
		{Name: "greeting", Type: "string", Output: true},
	}}
	if diff := cmp.Diff(want, greet); diff != "" {
		t.Errorf("description mismatch (-want +got):\n%s", diff)
	}

	if w := a.do(t, http.MethodGet, "/v1/types/nope", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown type = %d, want 422", w.Code)
	}
}

func TestAPI_Auth(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "s3cret")

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			if w := a.do(t, http.MethodGet, "/v1/jobs", "", headers...); w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}

	// Health endpoints stay open.
	if w := a.do(t, http.MethodGet, "/livez", ""); w.Code != http.StatusOK {
		t.Errorf("/livez = %d, want 200", w.Code)
	}
}

func TestAPI_Readyz(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")

	w := a.do(t, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/readyz = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[health.Response](t, w)
	for _, name := range []string{"cluster", "jobs"} {
		if resp.Checks[name].Status != health.StatusHealthy {
			t.Errorf("check %s = %+v", name, resp.Checks[name])
		}
	}
}

func TestAPI_ManagerClosed(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.manager.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if w := a.do(t, http.MethodPost, "/v1/jobs", `{"type": "greet", "name": "x"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", w.Code)
	}
}

func versions(t *testing.T, c *cluster.Memory) map[string]string {
	t.Helper()
	list, err := c.Containers(context.Background(), cluster.Filter{All: true})
	if err != nil {
		t.Fatalf("Containers: %v", err)
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		out[c.Name] = c.Image
	}
	return out
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker(nil)}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()
	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if response := decode[health.Response](t, w); response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoComponents(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker(nil)}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if response := decode[health.Response](t, w); response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	for _, fn := range []http.HandlerFunc{handler.GetJob, handler.DeleteJob, handler.RollbackJob} {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil)
		w := httptest.NewRecorder()
		fn(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		method      string
		contentType string
		wantCalled  bool
	}{
		{"wrong content type", http.MethodPost, "text/plain", false},
		{"json", http.MethodPost, "application/json", true},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", true},
		{"no content type", http.MethodPost, "", true},
		{"GET ignores content type", http.MethodGet, "text/plain", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(tt.method, "/test", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called != tt.wantCalled {
				t.Errorf("called = %v, want %v", called, tt.wantCalled)
			}
			if !tt.wantCalled && w.Code != http.StatusUnsupportedMediaType {
				t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	handler := CORSMiddleware()(inner)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/test", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMiddleware_RouteOf(t *testing.T) {
	t.Parallel()
	var got []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{jobId}", func(w http.ResponseWriter, r *http.Request) {})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		got = append(got, routeOf(r), r.PathValue("jobId"))
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	want := []string{"/v1/jobs/{jobId}", "abc", unmatchedRoute, ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestMiddleware_RecoveryWritesJSON(t *testing.T) {
	t.Parallel()
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "Internal server error" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestMiddleware_RecoveryAfterHeaders(t *testing.T) {
	t.Parallel()
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	if w.Code != http.StatusAccepted {
		t.Errorf("code = %d, want %d", w.Code, http.StatusAccepted)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestMiddleware_AuthChallenge(t *testing.T) {
	t.Parallel()
	handler := AuthMiddleware("key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}
