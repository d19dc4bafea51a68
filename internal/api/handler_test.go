package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tilemath/internal/dispatcher"
	"tilemath/internal/executor"
	"tilemath/internal/health"
	"tilemath/internal/job"
	"tilemath/internal/observability"
	"tilemath/internal/store/memory"
)

func newTestRouter(t *testing.T, apiKey string) http.Handler {
	t.Helper()
	metrics, _, err := observability.NewMetrics(context.Background(), observability.Config{})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	store := memory.New()
	runner := dispatcher.NewRunner(store, executor.NewGEMM(executor.Config{}), metrics, time.Minute)
	svc := job.NewService(store, dispatcher.NewInline(runner), metrics, job.BackendInfo{JobBackend: "inmemory", QueueBackend: "memory"})
	return NewRouter(RouterConfig{
		JobService:    svc,
		Metrics:       metrics,
		HealthChecker: health.NewChecker().Require("store", store),
		APIKey:        apiKey,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/v1/jobs", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp job.SubmitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode submit response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("Expected job_id in response")
	}
	return resp.JobID
}

func TestRouter_SubmitStatusResult(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "")

	id := submit(t, h, `{"spec":{"op":"gemm","m":64,"n":64,"k":64,"dtype":"fp32","seed":0,"repeats":1,"simulate":false}}`)

	w := do(t, h, http.MethodGet, "/v1/jobs/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var status map[string]any
	json.NewDecoder(w.Body).Decode(&status)
	if status["state"] != "DONE" {
		t.Errorf("Expected DONE, got %v", status["state"])
	}
	for _, key := range []string{"job_id", "created_at", "updated_at", "started_at", "finished_at", "error", "wall_time_ms", "compute_time_ms"} {
		if _, ok := status[key]; !ok {
			t.Errorf("Expected %q in status response", key)
		}
	}
	if status["error"] != nil {
		t.Errorf("Expected null error, got %v", status["error"])
	}

	w = do(t, h, http.MethodGet, "/v1/jobs/"+id+"/result", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var result job.ResultResponse
	json.NewDecoder(w.Body).Decode(&result)
	if result.ResultSummary == nil || result.ResultSummary.Mode != job.ModeCPUGemm {
		t.Errorf("Expected cpu_gemm result, got %+v", result.ResultSummary)
	}
}

func TestRouter_SubmitSimulated(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "")

	id := submit(t, h, `{"spec":{"m":8192,"n":8192,"k":8192,"dtype":"fp16","simulate":true}}`)

	w := do(t, h, http.MethodGet, "/v1/jobs/"+id+"/result", "")
	var result job.ResultResponse
	json.NewDecoder(w.Body).Decode(&result)
	if result.State != job.StateDone || result.ResultSummary == nil || result.ResultSummary.Mode != job.ModeSimulated {
		t.Errorf("Expected simulated DONE, got %+v", result)
	}
}

func TestRouter_SubmitValidation(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"zero m", `{"spec":{"m":0,"n":4,"k":4}}`},
		{"bad dtype", `{"spec":{"m":4,"n":4,"k":4,"dtype":"int4"}}`},
		{"bad op", `{"spec":{"op":"fft","m":4,"n":4,"k":4}}`},
		{"malformed", `{"spec":`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Error("Expected error message in response")
			}
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "")

	for _, path := range []string{"/v1/jobs/missing", "/v1/jobs/missing/result"} {
		if w := do(t, h, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: expected status %d, got %d", path, http.StatusNotFound, w.Code)
		}
	}
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "")
	submit(t, h, `{"spec":{"m":4,"n":4,"k":4}}`)

	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Expected text exposition, got %q", w.Header().Get("Content-Type"))
	}
	for _, name := range []string{"jobs_submitted_total", "jobs_completed_total", "job_end_to_end_ms", "http_requests_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("Expected %q in exposition", name)
		}
	}

	w = do(t, h, http.MethodGet, "/v1/metrics", "")
	var snap observability.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("Decode snapshot: %v", err)
	}
	if snap.Submitted != 1 || snap.Completed["done"] != 1 {
		t.Errorf("Expected 1 submitted and 1 done, got %+v", snap)
	}
}

func TestRouter_HealthAndBackend(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "")

	w := do(t, h, http.MethodGet, "/healthz", "")
	var hz job.HealthResponse
	json.NewDecoder(w.Body).Decode(&hz)
	if w.Code != http.StatusOK || hz.Status != "ok" {
		t.Errorf("Expected 200 ok, got %d %q", w.Code, hz.Status)
	}

	if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("Expected ready, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/v1/backend", "")
	var backend map[string]any
	json.NewDecoder(w.Body).Decode(&backend)
	if backend["JOB_BACKEND"] != "inmemory" || backend["DISPATCH_MODE"] != "inline" || backend["redis_enabled"] != false {
		t.Errorf("Unexpected backend response %v", backend)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, "secret")

	if w := do(t, h, http.MethodGet, "/v1/jobs/x", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without token, got %d", http.StatusUnauthorized, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d with token, got %d", http.StatusNotFound, w.Code)
	}

	if w := do(t, h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("Expected probes to skip auth, got %d", w.Code)
	}
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_StoreDown(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker().Require("store", health.PingFunc(func(context.Context) error {
			return errors.New("connection refused")
		})),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil)
	w := httptest.NewRecorder()

	handler.GetJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
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

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

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

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	// Test with wrong content type
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	// Test with correct content type
	called = false
	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMiddleware_ContentType_EmptyBodyAllowed(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}

func TestMiddleware_ContentType_Charset(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Expected charset parameter to be accepted")
	}
}
