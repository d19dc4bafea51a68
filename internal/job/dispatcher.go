package job

import "context"

// Dispatcher hands a freshly created job to an execution backend.
//
// Inline implementations run the job before returning. Queued implementations
// return once the job is durably enqueued; the job stays QUEUED until a worker
// claims it. When a job cannot be dispatched at all, the implementation moves
// it to FAILED itself and returns the dispatch error for logging.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *Job) error

	// Mode names the dispatch strategy ("inline" or "queue").
	Mode() string
}
