// Package chain is the data service behind the REST surface: it creates and
// filters the core records and assembles the landing summary.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/chainops/chain-go/internal/dispatch"
	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/jobs"
	"github.com/chainops/chain-go/internal/plugins"
	"github.com/chainops/chain-go/internal/repo"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotScheduled means the operation is stored but no job could be
	// queued for it. The operation is left paused.
	ErrNotScheduled = errors.New("operation not scheduled")
)

type Stores struct {
	Operations  repo.OperationRepository
	Adversaries repo.AdversaryRepository
	Abilities   repo.AbilityRepository
	Agents      repo.AgentRepository
	Facts       repo.FactRepository
	Results     repo.ResultRepository
	Sources     repo.SourceRepository
	Planners    repo.PlannerRepository
}

func (s Stores) validate() error {
	switch {
	case s.Operations == nil:
		return errors.New("operations store is required")
	case s.Adversaries == nil:
		return errors.New("adversaries store is required")
	case s.Abilities == nil:
		return errors.New("abilities store is required")
	case s.Agents == nil:
		return errors.New("agents store is required")
	case s.Facts == nil:
		return errors.New("facts store is required")
	case s.Results == nil:
		return errors.New("results store is required")
	case s.Sources == nil:
		return errors.New("sources store is required")
	case s.Planners == nil:
		return errors.New("planners store is required")
	}
	return nil
}

type PluginLister interface {
	Plugins() []plugins.Plugin
}

type Service struct {
	stores  Stores
	queue   jobs.Queue
	plugins PluginLister
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

func New(stores Stores, queue jobs.Queue, registry PluginLister, logger *slog.Logger) (*Service, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, errors.New("job queue is required")
	}
	if registry == nil {
		registry = (*plugins.Registry)(nil)
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{
		stores:  stores,
		queue:   queue,
		plugins: registry,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

// PersistAdversary creates or replaces an adversary.
func (s *Service) PersistAdversary(ctx context.Context, adversary domain.Adversary) (domain.Adversary, error) {
	if strings.TrimSpace(adversary.ID) == "" {
		adversary.ID = s.newID()
	}
	if adversary.Phases == nil {
		adversary.Phases = map[int][]string{}
	}
	if err := adversary.Validate(); err != nil {
		return domain.Adversary{}, invalid(err)
	}
	if err := s.stores.Adversaries.SaveAdversary(ctx, adversary); err != nil {
		return domain.Adversary{}, err
	}
	return adversary, nil
}

type OperationInput struct {
	Name           string
	Group          string
	AdversaryID    string
	PlannerID      string
	SourceID       string
	Jitter         string
	AllowUntrusted bool
}

// CreateOperation stores a new running operation and submits it for
// execution. A failed submission parks the operation as paused and returns
// ErrNotScheduled.
func (s *Service) CreateOperation(ctx context.Context, in OperationInput) (domain.Operation, error) {
	op := domain.Operation{
		ID:             s.newID(),
		Name:           strings.TrimSpace(in.Name),
		Group:          strings.TrimSpace(in.Group),
		AdversaryID:    strings.TrimSpace(in.AdversaryID),
		PlannerID:      strings.TrimSpace(in.PlannerID),
		SourceID:       strings.TrimSpace(in.SourceID),
		Jitter:         strings.TrimSpace(in.Jitter),
		State:          domain.OperationRunning,
		AllowUntrusted: in.AllowUntrusted,
		Start:          s.now(),
	}
	if op.Jitter == "" {
		op.Jitter = "2/8"
	}
	if err := op.Validate(); err != nil {
		return domain.Operation{}, invalid(err)
	}
	if _, err := s.stores.Adversaries.GetAdversary(ctx, op.AdversaryID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Operation{}, invalid(fmt.Errorf("adversary %s does not exist", op.AdversaryID))
		}
		return domain.Operation{}, err
	}
	if err := s.stores.Operations.CreateOperation(ctx, op); err != nil {
		return domain.Operation{}, err
	}

	if err := s.ScheduleOperation(ctx, op.ID); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

// ScheduleOperation queues a run of the operation. Resuming a paused
// operation calls it, since a paused run gives its worker back.
func (s *Service) ScheduleOperation(ctx context.Context, id string) error {
	job := jobs.Job{Kind: jobs.KindOperationRun, OperationID: id, SubmittedAt: s.now()}
	err := s.queue.Submit(ctx, job)
	if err == nil {
		return nil
	}
	s.logger.Error("operation job submit failed", "operation_id", id, "error", err)
	if perr := s.stores.Operations.SetOperationState(context.WithoutCancel(ctx), id, domain.OperationPaused); perr != nil {
		s.logger.Error("operation park failed", "operation_id", id, "error", perr)
	}
	return fmt.Errorf("%w: operation %s: %w", ErrNotScheduled, id, err)
}

func (s *Service) CreateFact(ctx context.Context, fact domain.Fact) (domain.Fact, error) {
	if strings.TrimSpace(fact.ID) == "" {
		fact.ID = s.newID()
	}
	if err := fact.Validate(); err != nil {
		return domain.Fact{}, invalid(err)
	}
	if err := s.stores.Facts.CreateFact(ctx, fact); err != nil {
		return domain.Fact{}, err
	}
	return fact, nil
}

// UpdateAgent applies fields to the agent identified by paw and returns the
// stored result.
func (s *Service) UpdateAgent(ctx context.Context, paw string, fields repo.Criteria) (domain.Agent, error) {
	paw = strings.TrimSpace(paw)
	if paw == "" {
		return domain.Agent{}, invalid(errors.New("paw is required"))
	}
	if len(fields) == 0 {
		return domain.Agent{}, invalid(errors.New("no fields to update"))
	}
	if err := s.stores.Agents.UpdateAgent(ctx, paw, fields); err != nil {
		return domain.Agent{}, err
	}
	agents, err := s.stores.Agents.ListAgents(ctx, repo.Criteria{"paw": paw})
	if err != nil {
		return domain.Agent{}, err
	}
	if len(agents) == 0 {
		return domain.Agent{}, repo.ErrNotFound
	}
	return agents[0], nil
}

func (s *Service) FilterAdversaries(ctx context.Context, criteria repo.Criteria) ([]domain.Adversary, error) {
	return s.stores.Adversaries.ListAdversaries(ctx, criteria)
}

func (s *Service) FilterAbilities(ctx context.Context, criteria repo.Criteria) ([]domain.Ability, error) {
	return s.stores.Abilities.ListAbilities(ctx, criteria)
}

func (s *Service) FilterOperations(ctx context.Context, criteria repo.Criteria) ([]domain.Operation, error) {
	return s.stores.Operations.ListOperations(ctx, criteria)
}

func (s *Service) FilterAgents(ctx context.Context, criteria repo.Criteria) ([]domain.Agent, error) {
	return s.stores.Agents.ListAgents(ctx, criteria)
}

func (s *Service) FilterResults(ctx context.Context, criteria repo.Criteria) ([]domain.Result, error) {
	return s.stores.Results.ListResults(ctx, criteria)
}

// Delete removes the rows of resource matching criteria.
func (s *Service) Delete(ctx context.Context, resource dispatch.Resource, criteria repo.Criteria) (int64, error) {
	switch resource {
	case dispatch.ResourceAdversary:
		return s.stores.Adversaries.DeleteAdversaries(ctx, criteria)
	case dispatch.ResourceAbility:
		return s.stores.Abilities.DeleteAbilities(ctx, criteria)
	case dispatch.ResourceOperation:
		return s.stores.Operations.DeleteOperations(ctx, criteria)
	case dispatch.ResourceAgent:
		return s.stores.Agents.DeleteAgents(ctx, criteria)
	case dispatch.ResourceFact:
		return s.stores.Facts.DeleteFacts(ctx, criteria)
	case dispatch.ResourceResult:
		return s.stores.Results.DeleteResults(ctx, criteria)
	default:
		return 0, fmt.Errorf("%w: cannot delete from %q", ErrInvalidInput, resource)
	}
}

// ResetTrust marks every untrusted agent trusted and stamps
// last_trusted_seen. It returns the number of agents updated.
func (s *Service) ResetTrust(ctx context.Context) (int, error) {
	agents, err := s.stores.Agents.ListAgents(ctx, repo.Criteria{"trusted": false})
	if err != nil {
		return 0, err
	}
	now := s.now().Truncate(time.Second)
	reset := 0
	for _, agent := range agents {
		err := s.stores.Agents.UpdateAgent(ctx, agent.Paw, repo.Criteria{
			"trusted":           true,
			"last_trusted_seen": now,
		})
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return reset, fmt.Errorf("reset trust for %s: %w", agent.Paw, err)
		}
		reset++
	}
	if reset > 0 {
		s.logger.Info("agent trust reset", "agents", reset)
	}
	return reset, nil
}

type Landing struct {
	Abilities   []domain.Ability   `json:"abilities"`
	Tactics     []string           `json:"tactics"`
	Groups      []string           `json:"groups"`
	Adversaries []domain.Adversary `json:"adversaries"`
	Agents      []domain.Agent     `json:"agents"`
	Operations  []domain.Operation `json:"operations"`
	Sources     []domain.Source    `json:"sources"`
	Planners    []domain.Planner   `json:"planners"`
	Plugins     []plugins.Plugin   `json:"plugins"`
}

// Landing gathers everything the landing page shows.
func (s *Service) Landing(ctx context.Context) (Landing, error) {
	var (
		out Landing
		err error
	)
	if out.Abilities, err = s.stores.Abilities.ListAbilities(ctx, nil); err != nil {
		return Landing{}, fmt.Errorf("list abilities: %w", err)
	}
	if out.Adversaries, err = s.stores.Adversaries.ListAdversaries(ctx, nil); err != nil {
		return Landing{}, fmt.Errorf("list adversaries: %w", err)
	}
	if out.Agents, err = s.stores.Agents.ListAgents(ctx, nil); err != nil {
		return Landing{}, fmt.Errorf("list agents: %w", err)
	}
	if out.Operations, err = s.stores.Operations.ListOperations(ctx, nil); err != nil {
		return Landing{}, fmt.Errorf("list operations: %w", err)
	}
	if out.Sources, err = s.stores.Sources.ListSources(ctx); err != nil {
		return Landing{}, fmt.Errorf("list sources: %w", err)
	}
	if out.Planners, err = s.stores.Planners.ListPlanners(ctx); err != nil {
		return Landing{}, fmt.Errorf("list planners: %w", err)
	}

	out.Tactics = lo.Uniq(lo.FilterMap(out.Abilities, func(a domain.Ability, _ int) (string, bool) {
		tactic := strings.ToLower(strings.TrimSpace(a.Tactic))
		return tactic, tactic != ""
	}))
	sort.Strings(out.Tactics)
	out.Groups = lo.Uniq(lo.FilterMap(out.Agents, func(a domain.Agent, _ int) (string, bool) {
		return a.Group, a.Group != ""
	}))
	sort.Strings(out.Groups)
	out.Plugins = s.plugins.Plugins()
	return out, nil
}
