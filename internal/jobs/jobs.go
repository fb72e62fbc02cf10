// Package jobs runs operations asynchronously after they are created.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"
)

const KindOperationRun = "operation.run"

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
)

type Job struct {
	Kind        string    `json:"kind"`
	OperationID string    `json:"operation_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.Kind) == "" {
		return errors.New("job kind is required")
	}
	if strings.TrimSpace(j.OperationID) == "" {
		return errors.New("job operation id is required")
	}
	return nil
}

// Queue accepts jobs for execution. Submit must not block on job execution.
type Queue interface {
	Submit(ctx context.Context, job Job) error
}

type Runner interface {
	Run(ctx context.Context, job Job) error
}

type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) Run(ctx context.Context, job Job) error {
	return f(ctx, job)
}
