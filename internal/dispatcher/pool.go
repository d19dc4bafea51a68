package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tilemath/internal/job"
	"tilemath/internal/queue"
)

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	workers []*Worker
	queue   queue.Queue
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	// cancel aborts in-flight jobs when Close runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewPool creates a pool and starts its workers. metrics may be nil.
func NewPool(cfg Config, q queue.Queue, store job.Store, runner *Runner, metrics MetricsRecorder) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		queue:    q,
		config:   cfg,
		logger:   slog.With("component", "pool"),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	owner := NewOwnerID()
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, NewWorker(fmt.Sprintf("%s-%d", owner, i), q, store, runner, cfg, metrics))
	}

	// Start workers
	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go p.run(w)
	}

	// Start queue depth reporter if metrics enabled
	if metrics != nil {
		go p.reportQueueDepth()
	}

	p.logger.Info("Worker pool started", "workers", cfg.Workers, "lease", cfg.Lease, "jobTimeout", cfg.JobTimeout)
	return p
}

// run loops one worker until shutdown.
func (p *Pool) run(w *Worker) {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		err := w.ProcessNext(p.ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, queue.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			p.logger.Warn("Worker iteration failed", "worker", w.ID(), "error", err)
		}

		select {
		case <-p.shutdown:
			return
		case <-time.After(p.config.PollInterval):
		}
	}
}

// reportQueueDepth periodically reports the queue depth metric.
func (p *Pool) reportQueueDepth() {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			n, err := p.queue.Len(p.ctx)
			if err != nil {
				continue
			}
			p.metrics.RecordQueueDepth(p.ctx, n)
		}
	}
}

// Stats returns the sum of all worker counters.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, w := range p.workers {
		s = s.add(w.Stats())
	}
	if !p.closed.Load() {
		s.Workers = len(p.workers)
	}
	return s
}

// Close stops claiming new messages and waits for in-flight jobs.
// When ctx ends first the remaining jobs are abandoned; their messages
// are redelivered after the lease expires.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil // already closed
	}

	p.logger.Info("Worker pool shutting down")

	// Signal workers to stop
	close(p.shutdown)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		s := p.Stats()
		p.logger.Info("Worker pool shutdown complete", "done", s.Done, "failed", s.Failed, "released", s.Released)
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("Worker pool shutdown timed out, in-flight jobs abandoned")
		return ctx.Err()
	}
}
