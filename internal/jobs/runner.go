package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
	"github.com/chainops/chain-go/internal/service/lifecycle"
)

type OperationProgress interface {
	LookupOperations(ctx context.Context, id string) ([]domain.Operation, error)
	UpdateOperationPhase(ctx context.Context, id string, phase int) error
}

type AdversaryReader interface {
	GetAdversary(ctx context.Context, id string) (domain.Adversary, error)
}

type Finisher interface {
	FinishRunning(ctx context.Context, operationID string) (lifecycle.Transition, error)
}

type PhaseRunnerConfig struct {
	PhaseInterval time.Duration
}

func (c PhaseRunnerConfig) Validate() error {
	if c.PhaseInterval < 0 {
		return errors.New("phase interval must be >= 0")
	}
	return nil
}

// PhaseRunner walks an operation through its adversary's phases and finishes
// it. A run returns as soon as it finds the operation paused, finished or
// deleted; resuming a paused operation queues a new run, which picks up after
// the last recorded phase.
type PhaseRunner struct {
	operations  OperationProgress
	adversaries AdversaryReader
	guard       Finisher
	cfg         PhaseRunnerConfig
	logger      *slog.Logger
}

func NewPhaseRunner(operations OperationProgress, adversaries AdversaryReader, guard Finisher, cfg PhaseRunnerConfig, logger *slog.Logger) (*PhaseRunner, error) {
	if operations == nil || adversaries == nil || guard == nil {
		return nil, errors.New("operations, adversaries and guard are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &PhaseRunner{
		operations:  operations,
		adversaries: adversaries,
		guard:       guard,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

func (r *PhaseRunner) Run(ctx context.Context, job Job) error {
	if job.Kind != KindOperationRun {
		return fmt.Errorf("unsupported job kind %q", job.Kind)
	}
	id := job.OperationID

	op, ok, err := r.running(ctx, id)
	if err != nil || !ok {
		return err
	}
	adversary, err := r.adversaries.GetAdversary(ctx, op.AdversaryID)
	if err != nil {
		return fmt.Errorf("load adversary %s: %w", op.AdversaryID, err)
	}

	for _, phase := range adversary.PhaseNumbers() {
		if phase <= op.Phase {
			continue
		}
		if _, ok, err := r.running(ctx, id); err != nil || !ok {
			return err
		}
		// The write only lands on a running operation below this phase, so a
		// pause or a second run of the same operation stops here.
		if err := r.operations.UpdateOperationPhase(ctx, id, phase); err != nil {
			if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) {
				r.logger.Info("operation run stopped", "operation_id", id, "phase", phase)
				return nil
			}
			return fmt.Errorf("record phase %d: %w", phase, err)
		}
		r.logger.Info("operation phase started", "operation_id", id, "phase", phase, "abilities", len(adversary.Phases[phase]))
		if err := sleep(ctx, r.cfg.PhaseInterval); err != nil {
			return err
		}
	}

	_, err = r.guard.FinishRunning(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrNotRunning):
		r.logger.Info("operation paused before finish", "operation_id", id)
		return nil
	case errors.Is(err, lifecycle.ErrAlreadyFinished), errors.Is(err, repo.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("finish operation: %w", err)
	}
}

// running reports whether the operation is running. ok is false when it is
// paused, finished or gone; the run then gives its worker back.
func (r *PhaseRunner) running(ctx context.Context, id string) (domain.Operation, bool, error) {
	ops, err := r.operations.LookupOperations(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Operation{}, false, nil
		}
		return domain.Operation{}, false, fmt.Errorf("lookup operation: %w", err)
	}
	if len(ops) != 1 {
		return domain.Operation{}, false, nil
	}
	if ops[0].State != domain.OperationRunning {
		if ops[0].State == domain.OperationPaused {
			r.logger.Info("operation paused, releasing worker", "operation_id", id, "phase", ops[0].Phase)
		}
		return domain.Operation{}, false, nil
	}
	return ops[0], true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
