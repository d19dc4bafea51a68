//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"tilemath/internal/api"
	"tilemath/internal/backend"
	"tilemath/internal/dispatcher"
	"tilemath/internal/executor"
	"tilemath/internal/health"
	"tilemath/internal/job"
	"tilemath/internal/observability"
	"tilemath/internal/testutil"
)

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that deployment.
// Otherwise an API server and a separate worker pool are started over a
// shared in-process Redis.
func getTestURL(t *testing.T) string {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return startTopology(t)
}

// startTopology wires the decoupled deployment: the API enqueues, a worker
// pool with its own backends and metrics claims and executes.
func startTopology(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)

	backendCfg := backend.Config{JobBackend: backend.StoreRedis, RedisURL: "redis://" + mr.Addr() + "/0"}
	dispatcherCfg := dispatcher.Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Lease:        5 * time.Second,
		JobTimeout:   30 * time.Second,
	}

	apiMetrics, _, err := observability.NewMetrics(ctx, observability.Config{Role: observability.RoleAPI})
	if err != nil {
		t.Fatalf("Failed to create API metrics: %v", err)
	}
	apiBackends, err := backend.Open(ctx, backendCfg)
	if err != nil {
		t.Fatalf("Failed to open API backends: %v", err)
	}
	apiRunner := dispatcher.NewRunner(apiBackends.Store, executor.NewGEMM(executor.Config{}), apiMetrics, dispatcherCfg.JobTimeout)
	svc := job.NewService(apiBackends.Store, dispatcher.NewQueued(apiBackends.Queue, apiRunner, dispatcherCfg, apiMetrics), apiMetrics, apiBackends.Info)

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		Metrics:       apiMetrics,
		HealthChecker: apiBackends.HealthChecker(),
	}))

	workerMetrics, _, err := observability.NewMetrics(ctx, observability.Config{Role: observability.RoleWorker})
	if err != nil {
		t.Fatalf("Failed to create worker metrics: %v", err)
	}
	workerBackends, err := backend.Open(ctx, backendCfg)
	if err != nil {
		t.Fatalf("Failed to open worker backends: %v", err)
	}
	workerRunner := dispatcher.NewRunner(workerBackends.Store, executor.NewGEMM(executor.Config{}), workerMetrics, dispatcherCfg.JobTimeout)
	pool := dispatcher.NewPool(dispatcherCfg, workerBackends.Queue, workerBackends.Store, workerRunner, workerMetrics)

	t.Cleanup(func() {
		server.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(closeCtx)
		workerBackends.Close()
		apiBackends.Close()
	})
	return server.URL
}

func submit(t *testing.T, baseURL string, spec map[string]any) (int, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"spec": spec})
	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func getJSON(baseURL, path string) (map[string]any, error) {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func waitTerminal(t *testing.T, baseURL, id string) map[string]any {
	t.Helper()
	status, ok := testutil.Poll(t, func() (map[string]any, error) {
		return getJSON(baseURL, "/v1/jobs/"+id)
	}, func(s map[string]any) bool {
		return s["state"] == string(job.StateDone) || s["state"] == string(job.StateFailed)
	}, testutil.WithTimeout(30*time.Second), testutil.WithInterval(20*time.Millisecond))
	if !ok {
		t.Fatalf("Job %s did not finish, last status %v", id, status)
	}
	return status
}

func TestAPI_Readyz(t *testing.T) {
	baseURL := getTestURL(t)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Readiness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Healthz(t *testing.T) {
	baseURL := getTestURL(t)

	out, err := getJSON(baseURL, "/healthz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", out["status"])
	}
}

func TestAPI_SubmitAndComplete(t *testing.T) {
	baseURL := getTestURL(t)

	code, created := submit(t, baseURL, map[string]any{"op": "gemm", "m": 64, "n": 64, "k": 64, "dtype": "fp32", "seed": 7})
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %v", code, created)
	}
	id, _ := created["job_id"].(string)
	if len(id) != 32 {
		t.Fatalf("Expected a 32 character job id, got %q", id)
	}

	status := waitTerminal(t, baseURL, id)
	if status["state"] != string(job.StateDone) {
		t.Fatalf("Expected DONE, got %v (error %v)", status["state"], status["error"])
	}
	if status["started_at"] == nil || status["finished_at"] == nil {
		t.Errorf("Expected start and finish times, got %v", status)
	}

	result, err := getJSON(baseURL, "/v1/jobs/"+id+"/result")
	if err != nil {
		t.Fatalf("Get result failed: %v", err)
	}
	summary, _ := result["result_summary"].(map[string]any)
	if summary["mode"] != job.ModeCPUGemm {
		t.Errorf("Expected mode %s, got %v", job.ModeCPUGemm, summary["mode"])
	}
	if checksum, _ := summary["checksum"].(string); len(checksum) != 64 {
		t.Errorf("Expected a sha256 checksum, got %q", checksum)
	}
}

func TestAPI_SimulatedChecksumsMatch(t *testing.T) {
	baseURL := getTestURL(t)
	spec := map[string]any{"op": "gemm", "m": 8192, "n": 8192, "k": 8192, "dtype": "fp16", "simulate": true}

	var checksums []string
	for range 2 {
		_, created := submit(t, baseURL, spec)
		id, _ := created["job_id"].(string)
		waitTerminal(t, baseURL, id)

		result, err := getJSON(baseURL, "/v1/jobs/"+id+"/result")
		if err != nil {
			t.Fatalf("Get result failed: %v", err)
		}
		summary, _ := result["result_summary"].(map[string]any)
		if summary["mode"] != job.ModeSimulated {
			t.Fatalf("Expected simulated mode, got %v", summary["mode"])
		}
		checksums = append(checksums, summary["checksum"].(string))
	}
	if checksums[0] != checksums[1] {
		t.Errorf("Expected identical checksums, got %v", checksums)
	}
}

func TestAPI_InvalidSpec(t *testing.T) {
	baseURL := getTestURL(t)

	code, out := submit(t, baseURL, map[string]any{"op": "conv", "m": 4, "n": 4, "k": 4})
	if code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", code)
	}
	if _, ok := out["error"]; !ok {
		t.Errorf("Expected an error body, got %v", out)
	}
}

func TestAPI_UnknownJob(t *testing.T) {
	baseURL := getTestURL(t)

	for _, path := range []string{"/v1/jobs/doesnotexist", "/v1/jobs/doesnotexist/result"} {
		resp, err := http.Get(baseURL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestAPI_ConcurrentSubmissions(t *testing.T) {
	baseURL := getTestURL(t)
	const n = 20

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			_, created := submit(t, baseURL, map[string]any{"op": "gemm", "m": 16, "n": 16, "k": 16, "dtype": "fp32"})
			if id, ok := created["job_id"].(string); ok {
				ids <- id
			}
		})
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("Duplicate job id %s", id)
		}
		seen[id] = true
		if status := waitTerminal(t, baseURL, id); status["state"] != string(job.StateDone) {
			t.Errorf("Job %s: expected DONE, got %v", id, status["state"])
		}
	}
	if len(seen) != n {
		t.Errorf("Expected %d job ids, got %d", n, len(seen))
	}
}

func TestAPI_Metrics(t *testing.T) {
	baseURL := getTestURL(t)

	_, created := submit(t, baseURL, map[string]any{"op": "gemm", "m": 8, "n": 8, "k": 8, "dtype": "fp32"})
	waitTerminal(t, baseURL, created["job_id"].(string))

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"jobs_submitted_total", "jobs_in_memory"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected %s in exposition", name)
		}
	}
}

func TestAPI_BackendRedactsURL(t *testing.T) {
	if os.Getenv("E2E_API_URL") != "" {
		t.Skip("backend layout depends on the external deployment")
	}
	baseURL := getTestURL(t)

	out, err := getJSON(baseURL, "/v1/backend")
	if err != nil {
		t.Fatalf("Backend request failed: %v", err)
	}
	if out["JOB_BACKEND"] != backend.StoreRedis || out["DISPATCH_MODE"] != dispatcher.ModeQueue {
		t.Errorf("Unexpected backend info %v", out)
	}
	if out["redis_enabled"] != true {
		t.Errorf("Expected redis_enabled, got %v", out["redis_enabled"])
	}
}
