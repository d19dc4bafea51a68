package job

import (
	"math"
	"time"
)

// Spec describes the computation a client requests. It is immutable once submitted.
type Spec struct {
	Op       string `json:"op"`
	M        int    `json:"m"`
	N        int    `json:"n"`
	K        int    `json:"k"`
	Dtype    string `json:"dtype"`
	Repeats  int    `json:"repeats"`
	Seed     int64  `json:"seed"`
	Simulate bool   `json:"simulate"`

	// Optional blocking of the CPU kernel. The result never depends on these.
	TileM int `json:"tile_m,omitempty"`
	TileN int `json:"tile_n,omitempty"`
	TileK int `json:"tile_k,omitempty"`
}

// State is a job lifecycle state.
type State string

// State constants
const (
	StateQueued  State = "QUEUED"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Result modes reported by executors.
const (
	ModeCPUGemm   = "cpu_gemm"
	ModeSimulated = "simulated"
)

// ResultSummary is what an executor produced for a job.
type ResultSummary struct {
	Mode     string   `json:"mode"`
	Checksum string   `json:"checksum"`
	Mean     *float64 `json:"mean,omitempty"`
	Var      *float64 `json:"var,omitempty"`
	L2       *float64 `json:"l2,omitempty"`
	Note     string   `json:"note,omitempty"`
}

// Job is the store's record of one submitted computation.
type Job struct {
	ID            string
	Spec          Spec
	State         State
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Result        *ResultSummary
	Error         string
	WallTimeMs    *float64
	ComputeTimeMs *float64
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	c.WallTimeMs = clonePtr(j.WallTimeMs)
	c.ComputeTimeMs = clonePtr(j.ComputeTimeMs)
	c.Result = j.Result.Clone()
	return &c
}

// Clone returns a deep copy of the summary.
func (r *ResultSummary) Clone() *ResultSummary {
	if r == nil {
		return nil
	}
	c := *r
	c.Mean = clonePtr(r.Mean)
	c.Var = clonePtr(r.Var)
	c.L2 = clonePtr(r.L2)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Spec Spec `json:"spec"`
}

// SubmitResponse represents the response when a job is submitted
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse represents the current status of a job.
// Times are unix seconds.
type StatusResponse struct {
	JobID         string   `json:"job_id"`
	State         State    `json:"state"`
	CreatedAt     float64  `json:"created_at"`
	UpdatedAt     float64  `json:"updated_at"`
	StartedAt     *float64 `json:"started_at"`
	FinishedAt    *float64 `json:"finished_at"`
	Error         *string  `json:"error"`
	WallTimeMs    *float64 `json:"wall_time_ms"`
	ComputeTimeMs *float64 `json:"compute_time_ms"`
}

// ResultResponse carries the result summary or error of a job.
type ResultResponse struct {
	JobID         string         `json:"job_id"`
	State         State          `json:"state"`
	ResultSummary *ResultSummary `json:"result_summary"`
	Error         *string        `json:"error"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// NewStatusResponse renders a job as a status payload.
func NewStatusResponse(j *Job) *StatusResponse {
	return &StatusResponse{
		JobID:         j.ID,
		State:         j.State,
		CreatedAt:     UnixSeconds(j.CreatedAt),
		UpdatedAt:     UnixSeconds(j.UpdatedAt),
		StartedAt:     unixSecondsPtr(j.StartedAt),
		FinishedAt:    unixSecondsPtr(j.FinishedAt),
		Error:         errorPtr(j.Error),
		WallTimeMs:    clonePtr(j.WallTimeMs),
		ComputeTimeMs: clonePtr(j.ComputeTimeMs),
	}
}

// NewResultResponse renders a job as a result payload.
func NewResultResponse(j *Job) *ResultResponse {
	return &ResultResponse{
		JobID:         j.ID,
		State:         j.State,
		ResultSummary: j.Result.Clone(),
		Error:         errorPtr(j.Error),
	}
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromUnixSeconds converts fractional unix seconds to a time with microsecond precision.
func FromUnixSeconds(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6)))
}

func unixSecondsPtr(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	s := UnixSeconds(*t)
	return &s
}

func errorPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
