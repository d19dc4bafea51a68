package job

import (
	"context"
	"io"
	"log/slog"

	"tilemath/internal/observability"
)

// BackendInfo describes the configured backends. REDIS_URL is redacted.
type BackendInfo struct {
	JobBackend   string `json:"JOB_BACKEND"`
	DispatchMode string `json:"DISPATCH_MODE"`
	QueueBackend string `json:"QUEUE_BACKEND"`
	RedisURL     string `json:"REDIS_URL"`
	RedisStream  string `json:"REDIS_STREAM"`
	RedisEnabled bool   `json:"redis_enabled"`
}

// Service is the coordinator behind the HTTP API. It validates submissions,
// records them in the store and hands them to the dispatcher.
//
// The Service holds no job state of its own; everything lives in the Store,
// so API replicas sharing a store agree on every job.
type Service struct {
	store      Store
	dispatcher Dispatcher
	metrics    *observability.Metrics
	backend    BackendInfo
	logger     *slog.Logger
}

// NewService creates a new job service. metrics may be nil.
func NewService(store Store, dispatcher Dispatcher, metrics *observability.Metrics, backend BackendInfo) *Service {
	backend.DispatchMode = dispatcher.Mode()
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		backend:    backend,
		logger:     slog.With("component", "service"),
	}
}

// Submit validates spec, creates a QUEUED job and dispatches it.
//
// A spec that fails validation creates nothing. Once the job is created its
// id is always returned: a dispatch failure is reflected in the job's state,
// not in the response.
func (s *Service) Submit(ctx context.Context, spec Spec) (*SubmitResponse, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	j, err := s.store.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("jobId", j.ID, "m", spec.M, "n", spec.N, "k", spec.K, "dtype", spec.Dtype)

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, j.ID, spec.Op, spec.Dtype, spec.Simulate)
	}
	logger.Info("Job submitted", "mode", s.dispatcher.Mode())

	if err := s.dispatcher.Dispatch(ctx, j); err != nil {
		logger.Error("Job dispatch failed", "error", err)
	}

	return &SubmitResponse{JobID: j.ID}, nil
}

// Status returns the status of a job.
func (s *Service) Status(ctx context.Context, id string) (*StatusResponse, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewStatusResponse(j), nil
}

// Result returns the result summary or error of a job. Unfinished jobs
// return their state with neither.
func (s *Service) Result(ctx context.Context, id string) (*ResultResponse, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewResultResponse(j), nil
}

// WriteMetrics writes the text exposition of this process's metrics.
func (s *Service) WriteMetrics(ctx context.Context, w io.Writer) error {
	if s.metrics == nil {
		return nil
	}
	s.refreshGauges(ctx)
	return s.metrics.WriteText(w)
}

// MetricsSnapshot returns this process's counters.
func (s *Service) MetricsSnapshot(ctx context.Context) (observability.Snapshot, error) {
	if s.metrics == nil {
		return observability.Snapshot{Completed: map[string]int64{}}, nil
	}
	return s.metrics.Snapshot(ctx)
}

// refreshGauges updates gauges sampled from the store.
func (s *Service) refreshGauges(ctx context.Context) {
	n, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn("Could not count jobs for metrics", "error", err)
		return
	}
	s.metrics.RecordJobsInStore(ctx, n)
}

// Health reports liveness. It never touches a backend.
func (s *Service) Health() *HealthResponse {
	return &HealthResponse{Status: "ok"}
}

// Backend describes the configured backends.
func (s *Service) Backend() BackendInfo {
	return s.backend
}
