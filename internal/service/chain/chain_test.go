package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chainops/chain-go/internal/dispatch"
	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/jobs"
	"github.com/chainops/chain-go/internal/plugins"
	"github.com/chainops/chain-go/internal/repo"
)

type memStore struct {
	mu          sync.Mutex
	operations  []domain.Operation
	adversaries map[string]domain.Adversary
	abilities   []domain.Ability
	agents      map[string]domain.Agent
	facts       []domain.Fact
	results     []domain.Result
	updates     []repo.Criteria
	deleted     map[string]repo.Criteria
}

func newMemStore() *memStore {
	return &memStore{
		adversaries: map[string]domain.Adversary{},
		agents:      map[string]domain.Agent{},
		deleted:     map[string]repo.Criteria{},
	}
}

func (m *memStore) CreateOperation(_ context.Context, op domain.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, op)
	return nil
}

func (m *memStore) LookupOperations(_ context.Context, id string) ([]domain.Operation, error) {
	return m.ListOperations(context.Background(), repo.Criteria{"id": id})
}

func (m *memStore) ListOperations(_ context.Context, criteria repo.Criteria) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Operation
	for _, op := range m.operations {
		if id, ok := criteria["id"]; ok && id != op.ID {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (m *memStore) SetOperationState(_ context.Context, id string, state domain.OperationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.operations {
		if m.operations[i].ID != id {
			continue
		}
		if m.operations[i].State.IsTerminal() {
			return repo.ErrConflict
		}
		m.operations[i].State = state
		return nil
	}
	return repo.ErrNotFound
}

func (m *memStore) UpdateOperationPhase(context.Context, string, int) error { return nil }

func (m *memStore) DeleteOperations(_ context.Context, criteria repo.Criteria) (int64, error) {
	return m.recordDelete("core_operation", criteria)
}

func (m *memStore) recordDelete(table string, criteria repo.Criteria) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[table] = criteria
	return 1, nil
}

func (m *memStore) SaveAdversary(_ context.Context, adv domain.Adversary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adversaries[adv.ID] = adv
	return nil
}

func (m *memStore) GetAdversary(_ context.Context, id string) (domain.Adversary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	adv, ok := m.adversaries[id]
	if !ok {
		return domain.Adversary{}, repo.ErrNotFound
	}
	return adv, nil
}

func (m *memStore) ListAdversaries(context.Context, repo.Criteria) ([]domain.Adversary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Adversary, 0, len(m.adversaries))
	for _, adv := range m.adversaries {
		out = append(out, adv)
	}
	return out, nil
}

func (m *memStore) DeleteAdversaries(_ context.Context, criteria repo.Criteria) (int64, error) {
	return m.recordDelete("core_adversary", criteria)
}

func (m *memStore) ListAbilities(context.Context, repo.Criteria) ([]domain.Ability, error) {
	return m.abilities, nil
}

func (m *memStore) DeleteAbilities(_ context.Context, criteria repo.Criteria) (int64, error) {
	return m.recordDelete("core_ability", criteria)
}

func (m *memStore) ListAgents(_ context.Context, criteria repo.Criteria) ([]domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Agent
	for _, agent := range m.agents {
		if paw, ok := criteria["paw"]; ok && paw != agent.Paw {
			continue
		}
		if trusted, ok := criteria["trusted"]; ok && trusted != agent.Trusted {
			continue
		}
		out = append(out, agent)
	}
	return out, nil
}

func (m *memStore) UpdateAgent(_ context.Context, paw string, fields repo.Criteria) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[paw]
	if !ok {
		return repo.ErrNotFound
	}
	if v, ok := fields["trusted"].(bool); ok {
		agent.Trusted = v
	}
	if v, ok := fields["last_trusted_seen"].(time.Time); ok {
		agent.LastTrustedSeen = &v
	}
	if v, ok := fields["host_group"].(string); ok {
		agent.Group = v
	}
	m.agents[paw] = agent
	m.updates = append(m.updates, fields)
	return nil
}

func (m *memStore) DeleteAgents(_ context.Context, criteria repo.Criteria) (int64, error) {
	return m.recordDelete("core_agent", criteria)
}

func (m *memStore) CreateFact(_ context.Context, fact domain.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, fact)
	return nil
}

func (m *memStore) ListFacts(context.Context, repo.Criteria) ([]domain.Fact, error) {
	return m.facts, nil
}

func (m *memStore) DeleteFacts(_ context.Context, criteria repo.Criteria) (int64, error) {
	return m.recordDelete("core_fact", criteria)
}

func (m *memStore) ListResults(context.Context, repo.Criteria) ([]domain.Result, error) {
	return m.results, nil
}

func (m *memStore) DeleteResults(_ context.Context, criteria repo.Criteria) (int64, error) {
	return m.recordDelete("core_result", criteria)
}

func (m *memStore) ListSources(context.Context) ([]domain.Source, error) {
	return []domain.Source{{ID: "src1", Name: "basic"}}, nil
}

func (m *memStore) ListPlanners(context.Context) ([]domain.Planner, error) {
	return []domain.Planner{{ID: "seq", Name: "sequential", Module: "planners.sequential"}}, nil
}

func storesOf(m *memStore) Stores {
	return Stores{
		Operations:  m,
		Adversaries: m,
		Abilities:   m,
		Agents:      m,
		Facts:       m,
		Results:     m,
		Sources:     m,
		Planners:    m,
	}
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *fakeQueue) Submit(_ context.Context, job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newTestService(t *testing.T, m *memStore, q jobs.Queue) *Service {
	t.Helper()
	svc, err := New(storesOf(m), q, nil, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	svc.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC) }
	return svc
}

func TestNewRequiresStoresAndQueue(t *testing.T) {
	if _, err := New(Stores{}, &fakeQueue{}, nil, nil); err == nil {
		t.Fatalf("expected error for missing stores")
	}
	if _, err := New(storesOf(newMemStore()), nil, nil, nil); err == nil {
		t.Fatalf("expected error for missing queue")
	}
}

func TestCreateOperationStoresAndSubmits(t *testing.T) {
	m := newMemStore()
	m.adversaries["adv1"] = domain.Adversary{ID: "adv1", Name: "apt"}
	q := &fakeQueue{}
	svc := newTestService(t, m, q)

	op, err := svc.CreateOperation(context.Background(), OperationInput{Name: "op", Group: "red", AdversaryID: "adv1"})
	if err != nil {
		t.Fatalf("CreateOperation() err=%v", err)
	}
	if op.ID != "id-1" || op.State != domain.OperationRunning || op.Jitter != "2/8" || op.Start.IsZero() {
		t.Fatalf("op=%+v", op)
	}
	if len(m.operations) != 1 {
		t.Fatalf("stored=%d, want 1", len(m.operations))
	}
	if len(q.jobs) != 1 || q.jobs[0].Kind != jobs.KindOperationRun || q.jobs[0].OperationID != "id-1" {
		t.Fatalf("jobs=%+v", q.jobs)
	}
}

func TestCreateOperationSubmitFailureParksOperation(t *testing.T) {
	m := newMemStore()
	m.adversaries["adv1"] = domain.Adversary{ID: "adv1", Name: "apt"}
	svc := newTestService(t, m, &fakeQueue{err: jobs.ErrQueueFull})

	_, err := svc.CreateOperation(context.Background(), OperationInput{Name: "op", Group: "red", AdversaryID: "adv1"})
	if !errors.Is(err, ErrNotScheduled) || !errors.Is(err, jobs.ErrQueueFull) {
		t.Fatalf("CreateOperation() err=%v, want ErrNotScheduled wrapping ErrQueueFull", err)
	}
	if len(m.operations) != 1 {
		t.Fatalf("stored=%d, want 1", len(m.operations))
	}
	if m.operations[0].State != domain.OperationPaused {
		t.Fatalf("state=%q, want paused", m.operations[0].State)
	}
}

func TestScheduleOperationSubmitsRun(t *testing.T) {
	m := newMemStore()
	m.operations = []domain.Operation{{ID: "op1", State: domain.OperationRunning}}
	q := &fakeQueue{}
	svc := newTestService(t, m, q)

	if err := svc.ScheduleOperation(context.Background(), "op1"); err != nil {
		t.Fatalf("ScheduleOperation() err=%v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0].OperationID != "op1" || q.jobs[0].SubmittedAt.IsZero() {
		t.Fatalf("jobs=%+v", q.jobs)
	}
}

func TestScheduleOperationClosedQueue(t *testing.T) {
	m := newMemStore()
	m.operations = []domain.Operation{{ID: "op1", State: domain.OperationRunning}}
	svc := newTestService(t, m, &fakeQueue{err: jobs.ErrQueueClosed})

	if err := svc.ScheduleOperation(context.Background(), "op1"); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("ScheduleOperation() err=%v, want ErrNotScheduled", err)
	}
	if m.operations[0].State != domain.OperationPaused {
		t.Fatalf("state=%q, want paused", m.operations[0].State)
	}
}

func TestCreateOperationRejectsInvalid(t *testing.T) {
	m := newMemStore()
	q := &fakeQueue{}
	svc := newTestService(t, m, q)

	cases := []OperationInput{
		{Group: "red", AdversaryID: "adv1"},
		{Name: "op", Group: "red", AdversaryID: "missing"},
	}
	for _, in := range cases {
		if _, err := svc.CreateOperation(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CreateOperation(%+v) err=%v, want ErrInvalidInput", in, err)
		}
	}
	if len(m.operations) != 0 || len(q.jobs) != 0 {
		t.Fatalf("operations=%d jobs=%d, want none", len(m.operations), len(q.jobs))
	}
}

func TestPersistAdversaryAssignsID(t *testing.T) {
	m := newMemStore()
	svc := newTestService(t, m, &fakeQueue{})

	adv, err := svc.PersistAdversary(context.Background(), domain.Adversary{Name: "apt"})
	if err != nil {
		t.Fatalf("PersistAdversary() err=%v", err)
	}
	if adv.ID != "id-1" || adv.Phases == nil {
		t.Fatalf("adv=%+v", adv)
	}
	if _, ok := m.adversaries["id-1"]; !ok {
		t.Fatalf("adversary not stored")
	}

	if _, err := svc.PersistAdversary(context.Background(), domain.Adversary{Name: "x", Phases: map[int][]string{0: {"a"}}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v, want ErrInvalidInput", err)
	}
}

func TestCreateFact(t *testing.T) {
	m := newMemStore()
	svc := newTestService(t, m, &fakeQueue{})

	fact, err := svc.CreateFact(context.Background(), domain.Fact{Property: "host.user.name", Value: "admin"})
	if err != nil {
		t.Fatalf("CreateFact() err=%v", err)
	}
	if fact.ID != "id-1" || len(m.facts) != 1 {
		t.Fatalf("fact=%+v stored=%d", fact, len(m.facts))
	}
	if _, err := svc.CreateFact(context.Background(), domain.Fact{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v, want ErrInvalidInput", err)
	}
}

func TestUpdateAgent(t *testing.T) {
	m := newMemStore()
	m.agents["paw1"] = domain.Agent{Paw: "paw1", Group: "red"}
	svc := newTestService(t, m, &fakeQueue{})

	agent, err := svc.UpdateAgent(context.Background(), "paw1", repo.Criteria{"host_group": "blue"})
	if err != nil {
		t.Fatalf("UpdateAgent() err=%v", err)
	}
	if agent.Group != "blue" {
		t.Fatalf("Group=%q, want blue", agent.Group)
	}
	if _, err := svc.UpdateAgent(context.Background(), "nope", repo.Criteria{"host_group": "blue"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if _, err := svc.UpdateAgent(context.Background(), "paw1", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v, want ErrInvalidInput", err)
	}
}

func TestDeleteRoutesToStore(t *testing.T) {
	m := newMemStore()
	svc := newTestService(t, m, &fakeQueue{})
	criteria := repo.Criteria{"id": "x"}

	for _, resource := range []dispatch.Resource{
		dispatch.ResourceAdversary,
		dispatch.ResourceAbility,
		dispatch.ResourceOperation,
		dispatch.ResourceAgent,
		dispatch.ResourceFact,
		dispatch.ResourceResult,
	} {
		n, err := svc.Delete(context.Background(), resource, criteria)
		if err != nil || n != 1 {
			t.Fatalf("Delete(%s)=%d err=%v", resource, n, err)
		}
		if _, ok := m.deleted[string(resource)]; !ok {
			t.Fatalf("Delete(%s) did not reach its store", resource)
		}
	}
	if _, err := svc.Delete(context.Background(), dispatch.ResourceOperationReport, criteria); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v, want ErrInvalidInput", err)
	}
}

func TestResetTrust(t *testing.T) {
	m := newMemStore()
	m.agents["a"] = domain.Agent{Paw: "a", Trusted: false}
	m.agents["b"] = domain.Agent{Paw: "b", Trusted: false}
	m.agents["c"] = domain.Agent{Paw: "c", Trusted: true}
	svc := newTestService(t, m, &fakeQueue{})

	n, err := svc.ResetTrust(context.Background())
	if err != nil {
		t.Fatalf("ResetTrust() err=%v", err)
	}
	if n != 2 {
		t.Fatalf("ResetTrust()=%d, want 2", n)
	}
	want := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	for _, paw := range []string{"a", "b"} {
		agent := m.agents[paw]
		if !agent.Trusted || agent.LastTrustedSeen == nil || !agent.LastTrustedSeen.Equal(want) {
			t.Fatalf("agent %s=%+v", paw, agent)
		}
	}
	if m.agents["c"].LastTrustedSeen != nil {
		t.Fatalf("trusted agent was touched")
	}

	n, err = svc.ResetTrust(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second ResetTrust()=%d err=%v, want 0", n, err)
	}
}

func TestLanding(t *testing.T) {
	m := newMemStore()
	m.abilities = []domain.Ability{
		{ID: "1", Tactic: "Discovery"},
		{ID: "2", Tactic: "discovery"},
		{ID: "3", Tactic: "collection"},
		{ID: "4"},
	}
	m.agents["a"] = domain.Agent{Paw: "a", Group: "red"}
	m.agents["b"] = domain.Agent{Paw: "b", Group: "red"}
	m.agents["c"] = domain.Agent{Paw: "c", Group: "blue"}

	registry, err := plugins.Parse([]byte("plugins:\n  - name: chain\n"))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	svc, err := New(storesOf(m), &fakeQueue{}, registry, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	landing, err := svc.Landing(context.Background())
	if err != nil {
		t.Fatalf("Landing() err=%v", err)
	}
	if len(landing.Tactics) != 2 || landing.Tactics[0] != "collection" || landing.Tactics[1] != "discovery" {
		t.Fatalf("Tactics=%v", landing.Tactics)
	}
	if len(landing.Groups) != 2 || landing.Groups[0] != "blue" || landing.Groups[1] != "red" {
		t.Fatalf("Groups=%v", landing.Groups)
	}
	if len(landing.Abilities) != 4 || len(landing.Agents) != 3 || len(landing.Sources) != 1 || len(landing.Planners) != 1 {
		t.Fatalf("landing=%+v", landing)
	}
	if len(landing.Plugins) != 1 || landing.Plugins[0].Name != "chain" {
		t.Fatalf("Plugins=%v", landing.Plugins)
	}
}
