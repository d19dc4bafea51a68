package observability

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestMetrics(t *testing.T, cfg Config) *Metrics {
	t.Helper()
	metrics, handler, err := NewMetrics(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}
	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
	return metrics
}

func ms(v float64) *float64 { return &v }

func TestNewMetrics_Independent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestMetrics(t, Config{})
	b := newTestMetrics(t, Config{})

	a.RecordJobSubmitted(ctx, "a1", "gemm", "fp32", false)

	snapA, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	snapB, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snapA.Submitted != 1 {
		t.Errorf("Expected 1 submitted, got %d", snapA.Submitted)
	}
	if snapB.Submitted != 0 {
		t.Errorf("Expected instances not to share state, got %d", snapB.Submitted)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{})

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/healthz", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 200, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/xyz789/result", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 500, 0.001)
}

func TestSnapshot_CountsAndHistogram(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{LatencyBucketsMs: []float64{10, 100}})

	metrics.RecordJobSubmitted(ctx, "j1", "gemm", "fp32", false)
	metrics.RecordJobSubmitted(ctx, "j2", "gemm", "fp16", true)
	metrics.RecordJobSubmitted(ctx, "j3", "gemm", "fp32", false)
	metrics.RecordJobCompleted(ctx, Completion{JobID: "j1", Op: "gemm", Dtype: "fp32", State: "DONE", EndToEndMs: 5, ComputeMs: ms(2)})
	metrics.RecordJobCompleted(ctx, Completion{JobID: "j2", Op: "gemm", Dtype: "fp16", Simulate: true, State: "DONE", EndToEndMs: 50})
	metrics.RecordJobCompleted(ctx, Completion{JobID: "j3", Op: "gemm", Dtype: "fp32", State: "FAILED", EndToEndMs: 500})

	snap, err := metrics.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Submitted != 3 {
		t.Errorf("Expected 3 submitted, got %d", snap.Submitted)
	}
	if snap.Completed["done"] != 2 {
		t.Errorf("Expected 2 done, got %d", snap.Completed["done"])
	}
	if snap.Completed["failed"] != 1 {
		t.Errorf("Expected 1 failed, got %d", snap.Completed["failed"])
	}
	if snap.CompletedTotal() > snap.Submitted {
		t.Errorf("Completed %d exceeds submitted %d", snap.CompletedTotal(), snap.Submitted)
	}

	h := snap.EndToEnd
	if len(h.Bounds) != 2 || h.Bounds[0] != 10 || h.Bounds[1] != 100 {
		t.Fatalf("Expected bounds [10 100], got %v", h.Bounds)
	}
	want := []uint64{1, 1, 1}
	for i, c := range want {
		if h.Counts[i] != c {
			t.Errorf("Bucket %d: expected %d, got %d", i, c, h.Counts[i])
		}
	}
	if h.Count != 3 {
		t.Errorf("Expected count 3, got %d", h.Count)
	}
	if h.Sum != 555 {
		t.Errorf("Expected sum 555, got %v", h.Sum)
	}
}

func TestSnapshot_Monotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{})

	var prev Snapshot
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		metrics.RecordJobSubmitted(ctx, id, "gemm", "fp32", false)
		metrics.RecordJobCompleted(ctx, Completion{JobID: id, Op: "gemm", Dtype: "fp32", State: "DONE", EndToEndMs: float64(i)})

		snap, err := metrics.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if snap.Submitted < prev.Submitted {
			t.Errorf("Submitted decreased from %d to %d", prev.Submitted, snap.Submitted)
		}
		if snap.CompletedTotal() < prev.CompletedTotal() {
			t.Errorf("Completed decreased from %d to %d", prev.CompletedTotal(), snap.CompletedTotal())
		}
		prev = snap
	}
	if prev.Submitted != 5 {
		t.Errorf("Expected 5 submitted, got %d", prev.Submitted)
	}
}

func TestWorkerRole_CountsProcessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{Role: RoleWorker})

	metrics.RecordJobSubmitted(ctx, "w1", "gemm", "fp32", false)
	metrics.RecordJobCompleted(ctx, Completion{JobID: "w1", Op: "gemm", Dtype: "fp32", State: "DONE", EndToEndMs: 1})

	snap, err := metrics.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.CompletedTotal() != 0 {
		t.Errorf("Expected worker role not to count completions, got %d", snap.CompletedTotal())
	}
	if snap.Processed != 1 {
		t.Errorf("Expected 1 processed, got %d", snap.Processed)
	}

	var buf bytes.Buffer
	if err := metrics.WriteText(&buf); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	if !strings.Contains(buf.String(), "jobs_processed_total") {
		t.Error("Expected jobs_processed_total in exposition")
	}
}

func TestWriteText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{})

	metrics.RecordJobSubmitted(ctx, "t1", "gemm", "fp32", true)
	metrics.RecordJobCompleted(ctx, Completion{JobID: "t1", Op: "gemm", Dtype: "fp32", Simulate: true, State: "DONE", EndToEndMs: 3, ComputeMs: ms(1)})
	metrics.RecordJobsInStore(ctx, 1)
	metrics.RecordQueueDepth(ctx, 0)

	var buf bytes.Buffer
	if err := metrics.WriteText(&buf); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	text := buf.String()
	for _, name := range []string{
		"jobs_submitted_total",
		"jobs_completed_total",
		"job_end_to_end_ms_bucket",
		"job_compute_ms_count",
		"jobs_in_memory",
		`state="done"`,
		`simulate="true"`,
		"go_goroutines",
	} {
		if !strings.Contains(text, name) {
			t.Errorf("Expected %q in exposition", name)
		}
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx, Config{})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	metrics.RecordJobSubmitted(ctx, "h1", "gemm", "fp32", false)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "jobs_submitted_total") {
		t.Error("Expected jobs_submitted_total in handler output")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if len(cfg.LatencyBucketsMs) != len(defaultLatencyBucketsMs) {
		t.Errorf("Expected default buckets, got %v", cfg.LatencyBucketsMs)
	}
	if cfg.Role != RoleAPI {
		t.Errorf("Expected role %q, got %q", RoleAPI, cfg.Role)
	}
	if cfg.TrackedSubmissions != defaultTrackedSubmissions {
		t.Errorf("Expected %d tracked submissions, got %d", defaultTrackedSubmissions, cfg.TrackedSubmissions)
	}

	cfg = Config{LatencyBucketsMs: []float64{100, 10, 10}}.withDefaults()
	if len(cfg.LatencyBucketsMs) != 2 || cfg.LatencyBucketsMs[0] != 10 {
		t.Errorf("Expected sorted unique buckets, got %v", cfg.LatencyBucketsMs)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/abc123/result", "/v1/jobs/{jobId}/result"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestRecordJobCompleted_ForeignJobCountsProcessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{})

	// Finished here, submitted by another replica.
	metrics.RecordJobCompleted(ctx, Completion{JobID: "elsewhere", Op: "gemm", Dtype: "fp32", State: "DONE", EndToEndMs: 1})

	snap, err := metrics.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.CompletedTotal() > snap.Submitted {
		t.Errorf("Completed %d exceeds submitted %d", snap.CompletedTotal(), snap.Submitted)
	}
	if snap.Processed != 1 {
		t.Errorf("Expected 1 processed, got %d", snap.Processed)
	}
}

func TestRecordJobCompleted_CountsEachSubmissionOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := newTestMetrics(t, Config{})

	metrics.RecordJobSubmitted(ctx, "dup", "gemm", "fp32", false)
	for range 2 {
		metrics.RecordJobCompleted(ctx, Completion{JobID: "dup", Op: "gemm", Dtype: "fp32", State: "FAILED", EndToEndMs: 1})
	}

	snap, err := metrics.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.CompletedTotal() != 1 || snap.Processed != 1 {
		t.Errorf("Expected 1 completed and 1 processed, got %d / %d", snap.CompletedTotal(), snap.Processed)
	}
}

func TestSubmittedSet_ForgetsOldest(t *testing.T) {
	t.Parallel()
	s := newSubmittedSet(2)
	s.add("a")
	s.add("b")
	s.add("c")

	if s.len() != 2 {
		t.Fatalf("Expected 2 remembered ids, got %d", s.len())
	}
	if s.take("a") {
		t.Error("Expected oldest id to be forgotten")
	}
	if !s.take("b") || !s.take("c") {
		t.Error("Expected newest ids to be remembered")
	}
	if s.take("b") {
		t.Error("Expected take to forget the id")
	}
}
