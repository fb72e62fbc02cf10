package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

type LocalConfig struct {
	Workers int
	Buffer  int
}

func (c LocalConfig) Validate() error {
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.Buffer < 0 {
		return errors.New("buffer must be >= 0")
	}
	return nil
}

// LocalQueue runs jobs in-process on a fixed set of workers.
type LocalQueue struct {
	runner Runner
	logger *slog.Logger
	jobs   chan Job

	mu     sync.RWMutex
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewLocalQueue(ctx context.Context, cfg LocalConfig, runner Runner, logger *slog.Logger) (*LocalQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(ctx)
	q := &LocalQueue{
		runner: runner,
		logger: logger,
		jobs:   make(chan Job, cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		p.Go(func(ctx context.Context) error {
			q.work(ctx)
			return nil
		})
	}
	go func() {
		_ = p.Wait()
		close(q.done)
	}()
	return q, nil
}

func (q *LocalQueue) Submit(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, running jobs are cancelled.
func (q *LocalQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *LocalQueue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)
		}
	}
}

func (q *LocalQueue) run(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("job panic", "kind", job.Kind, "operation_id", job.OperationID, "panic", fmt.Sprint(rec))
		}
	}()

	start := time.Now()
	q.logger.Info("job started", "kind", job.Kind, "operation_id", job.OperationID)
	if err := q.runner.Run(ctx, job); err != nil {
		q.logger.Error("job failed", "kind", job.Kind, "operation_id", job.OperationID, "error", err)
		return
	}
	q.logger.Info("job finished", "kind", job.Kind, "operation_id", job.OperationID, "duration_ms", time.Since(start).Milliseconds())
}
