package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/platform/auditlog"
	"github.com/chainops/chain-go/internal/repo"
)

// Store is the slice of the operation repository the guard needs.
type Store interface {
	LookupOperations(ctx context.Context, id string) ([]domain.Operation, error)
	SetOperationState(ctx context.Context, id string, state domain.OperationState) error
}

type Guard struct {
	store  Store
	locker Locker
	logger *slog.Logger
}

type Option func(*Guard)

func WithLocker(locker Locker) Option {
	return func(g *Guard) {
		if locker != nil {
			g.locker = locker
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Guard {
	if store == nil {
		return nil
	}
	g := &Guard{
		store:  store,
		locker: NewLocalLocker(),
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// KnownStates lists the states a transition may target.
func (g *Guard) KnownStates() []domain.OperationState {
	return domain.OperationStates()
}

type Transition struct {
	OperationID string
	From        domain.OperationState
	To          domain.OperationState
}

// RequestTransition moves operationID to requested. It fails with
// repo.ErrNotFound, ErrAlreadyFinished, *InvalidStateError or *StorageError,
// and performs no write on any failure.
func (g *Guard) RequestTransition(ctx context.Context, operationID, requested string) (Transition, error) {
	return g.transition(ctx, operationID, requested, nil)
}

// FinishRunning finishes operationID only while it is running. A paused
// operation is left as it is and ErrNotRunning is returned.
func (g *Guard) FinishRunning(ctx context.Context, operationID string) (Transition, error) {
	return g.transition(ctx, operationID, string(domain.OperationFinished), func(current domain.OperationState) error {
		if current != domain.OperationRunning {
			return ErrNotRunning
		}
		return nil
	})
}

// transition holds the operation lock from lookup to write. require, when
// set, vets the current state after the terminal check.
func (g *Guard) transition(ctx context.Context, operationID, requested string, require func(domain.OperationState) error) (Transition, error) {
	id := strings.TrimSpace(operationID)
	if id == "" {
		return Transition{}, fmt.Errorf("operation id is required: %w", repo.ErrNotFound)
	}

	unlock, err := g.locker.Lock(ctx, id)
	if err != nil {
		return Transition{}, &StorageError{Op: "lock operation", Err: err}
	}
	defer unlock()

	ops, err := g.store.LookupOperations(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Transition{}, fmt.Errorf("operation %s: %w", id, repo.ErrNotFound)
		}
		return Transition{}, &StorageError{Op: "lookup operation", Err: err}
	}
	switch len(ops) {
	case 0:
		return Transition{}, fmt.Errorf("operation %s: %w", id, repo.ErrNotFound)
	case 1:
	default:
		g.logger.Error("operation lookup inconsistent", "operation_id", id, "records", len(ops))
		return Transition{}, fmt.Errorf("operation %s: %w", id, ErrInconsistent)
	}

	current := ops[0].State
	if current.IsTerminal() {
		return Transition{}, fmt.Errorf("operation %s: %w", id, ErrAlreadyFinished)
	}
	if require != nil {
		if err := require(current); err != nil {
			return Transition{}, fmt.Errorf("operation %s: %w", id, err)
		}
	}
	next, ok := domain.ParseOperationState(requested)
	if !ok {
		return Transition{}, &InvalidStateError{Requested: requested, Allowed: g.KnownStates()}
	}

	if err := ctx.Err(); err != nil {
		return Transition{}, err
	}
	if err := g.store.SetOperationState(ctx, id, next); err != nil {
		switch {
		case errors.Is(err, repo.ErrConflict):
			return Transition{}, fmt.Errorf("operation %s: %w", id, ErrAlreadyFinished)
		case errors.Is(err, repo.ErrNotFound):
			return Transition{}, fmt.Errorf("operation %s: %w", id, repo.ErrNotFound)
		}
		return Transition{}, &StorageError{Op: "set operation state", Err: err}
	}

	g.logger.Info("operation state changed", "operation_id", id, "from", string(current), "to", string(next))
	return Transition{OperationID: id, From: current, To: next}, nil
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
	Service   string
}

// RequestTransitionWithAudit applies the transition and records it. The
// audit write happens after the state change has committed, so an audit
// failure is logged rather than reported as a failed transition.
func (g *Guard) RequestTransitionWithAudit(ctx context.Context, q auditlog.QueryRower, info AuditInfo, operationID, requested string) (Transition, error) {
	if q == nil {
		return Transition{}, errors.New("audit queryer is required")
	}
	if strings.TrimSpace(info.Actor) == "" {
		return Transition{}, errors.New("audit actor is required")
	}

	tr, err := g.RequestTransition(ctx, operationID, requested)
	if err != nil {
		return Transition{}, err
	}
	if tr.From == tr.To {
		return tr, nil
	}

	_, err = auditlog.Insert(ctx, q, auditlog.Event{
		Actor:        info.Actor,
		Action:       "operation." + string(tr.To),
		ResourceType: "operation",
		ResourceID:   tr.OperationID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload: map[string]any{
			"service":      strings.TrimSpace(info.Service),
			"operation_id": tr.OperationID,
			"from":         string(tr.From),
			"to":           string(tr.To),
		},
	})
	if err != nil {
		g.logger.Error("operation transition audit failed", "operation_id", tr.OperationID, "request_id", info.RequestID, "error", err)
	}
	return tr, nil
}
