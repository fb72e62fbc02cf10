package repo

import (
	"context"

	"github.com/chainops/chain-go/internal/domain"
)

// Criteria filters rows by exact column match. A slice value matches any of
// its elements.
type Criteria map[string]any

// OperationRepository manages operations and their lifecycle state.
type OperationRepository interface {
	CreateOperation(ctx context.Context, op domain.Operation) error
	LookupOperations(ctx context.Context, id string) ([]domain.Operation, error)
	ListOperations(ctx context.Context, criteria Criteria) ([]domain.Operation, error)
	// SetOperationState never overwrites a finished operation; it returns
	// ErrConflict instead, and ErrNotFound when the row is gone.
	SetOperationState(ctx context.Context, id string, state domain.OperationState) error
	// UpdateOperationPhase only moves a running operation forward.
	UpdateOperationPhase(ctx context.Context, id string, phase int) error
	DeleteOperations(ctx context.Context, criteria Criteria) (int64, error)
}

type AdversaryRepository interface {
	SaveAdversary(ctx context.Context, adversary domain.Adversary) error
	GetAdversary(ctx context.Context, id string) (domain.Adversary, error)
	ListAdversaries(ctx context.Context, criteria Criteria) ([]domain.Adversary, error)
	DeleteAdversaries(ctx context.Context, criteria Criteria) (int64, error)
}

type AbilityRepository interface {
	ListAbilities(ctx context.Context, criteria Criteria) ([]domain.Ability, error)
	DeleteAbilities(ctx context.Context, criteria Criteria) (int64, error)
}

type AgentRepository interface {
	ListAgents(ctx context.Context, criteria Criteria) ([]domain.Agent, error)
	UpdateAgent(ctx context.Context, paw string, fields Criteria) error
	DeleteAgents(ctx context.Context, criteria Criteria) (int64, error)
}

type FactRepository interface {
	CreateFact(ctx context.Context, fact domain.Fact) error
	ListFacts(ctx context.Context, criteria Criteria) ([]domain.Fact, error)
	DeleteFacts(ctx context.Context, criteria Criteria) (int64, error)
}

type ResultRepository interface {
	ListResults(ctx context.Context, criteria Criteria) ([]domain.Result, error)
	DeleteResults(ctx context.Context, criteria Criteria) (int64, error)
}

type SourceRepository interface {
	ListSources(ctx context.Context) ([]domain.Source, error)
}

type PlannerRepository interface {
	ListPlanners(ctx context.Context) ([]domain.Planner, error)
}
