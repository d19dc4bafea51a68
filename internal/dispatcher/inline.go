package dispatcher

import (
	"context"

	"tilemath/internal/job"
)

// Inline executes jobs synchronously inside Dispatch.
type Inline struct {
	runner *Runner
}

// NewInline creates an inline dispatcher backed by runner.
func NewInline(runner *Runner) *Inline {
	return &Inline{runner: runner}
}

// Dispatch runs j to completion. The job is finished even if ctx is
// cancelled, so a disconnecting client never strands it in RUNNING.
func (d *Inline) Dispatch(ctx context.Context, j *job.Job) error {
	_, err := d.runner.Run(context.WithoutCancel(ctx), j.ID)
	return err
}

// Mode returns ModeInline.
func (d *Inline) Mode() string { return ModeInline }

var _ job.Dispatcher = (*Inline)(nil)
