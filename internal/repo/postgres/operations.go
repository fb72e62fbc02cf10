package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

const operationTable = "core_operation"

var operationColumns = []string{
	"id", "name", "host_group", "adversary_id", "planner_id", "source_id",
	"jitter", "phase", "state", "allow_untrusted", "start", "finish",
}

var operationCriteria = columnSet{
	"id":              textColumn,
	"name":            textColumn,
	"host_group":      textColumn,
	"adversary_id":    textColumn,
	"planner_id":      textColumn,
	"source_id":       textColumn,
	"phase":           intColumn,
	"state":           textColumn,
	"allow_untrusted": boolColumn,
}

type OperationStore struct {
	db  DB
	now func() time.Time
}

func NewOperationStore(db DB) *OperationStore {
	if db == nil {
		return nil
	}
	return &OperationStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *OperationStore) CreateOperation(ctx context.Context, op domain.Operation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("operation store not initialized")
	}
	if err := op.Validate(); err != nil {
		return err
	}
	start := op.Start
	if start.IsZero() {
		start = s.now()
	}
	query, args, err := psql.Insert(operationTable).
		Columns(operationColumns...).
		Values(
			strings.TrimSpace(op.ID),
			strings.TrimSpace(op.Name),
			strings.TrimSpace(op.Group),
			strings.TrimSpace(op.AdversaryID),
			strings.TrimSpace(op.PlannerID),
			strings.TrimSpace(op.SourceID),
			op.Jitter,
			op.Phase,
			string(op.State),
			op.AllowUntrusted,
			start.UTC(),
			nullTime(op.Finish),
		).ToSql()
	if err != nil {
		return fmt.Errorf("build insert operation: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// LookupOperations returns every row carrying id; callers expect zero or one.
func (s *OperationStore) LookupOperations(ctx context.Context, id string) ([]domain.Operation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	return s.ListOperations(ctx, repo.Criteria{"id": id})
}

func (s *OperationStore) ListOperations(ctx context.Context, criteria repo.Criteria) ([]domain.Operation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("operation store not initialized")
	}
	query, args, err := selectWhere(operationTable, operationColumns, operationCriteria, criteria, "start DESC")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := make([]domain.Operation, 0)
	for rows.Next() {
		var op domain.Operation
		var state string
		var finish sql.NullTime
		if err := rows.Scan(&op.ID, &op.Name, &op.Group, &op.AdversaryID, &op.PlannerID, &op.SourceID,
			&op.Jitter, &op.Phase, &state, &op.AllowUntrusted, &op.Start, &finish); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.State = domain.OperationState(state)
		op.Start = op.Start.UTC()
		op.Finish = timePtr(finish)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// SetOperationState is a conditional write: a row already in the terminal
// state is left untouched and ErrConflict is returned. A missing row is
// ErrNotFound.
func (s *OperationStore) SetOperationState(ctx context.Context, id string, state domain.OperationState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("operation store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("operation id is required")
	}
	if _, ok := domain.ParseOperationState(string(state)); !ok {
		return fmt.Errorf("invalid operation state %q", state)
	}
	builder := psql.Update(operationTable).Set("state", string(state))
	if state.IsTerminal() {
		builder = builder.Set("finish", s.now())
	}
	query, args, err := builder.
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"state": string(domain.OperationFinished)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update operation state: %w", err)
	}
	return s.execOne(ctx, id, "update operation state", query, args)
}

func (s *OperationStore) UpdateOperationPhase(ctx context.Context, id string, phase int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("operation store not initialized")
	}
	if phase < 0 {
		return fmt.Errorf("phase must be >= 0")
	}
	id = strings.TrimSpace(id)
	query, args, err := psql.Update(operationTable).
		Set("phase", phase).
		Where(sq.Eq{"id": id, "state": string(domain.OperationRunning)}).
		Where(sq.Lt{"phase": phase}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update operation phase: %w", err)
	}
	return s.execOne(ctx, id, "update operation phase", query, args)
}

func (s *OperationStore) DeleteOperations(ctx context.Context, criteria repo.Criteria) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("operation store not initialized")
	}
	return deleteWhere(ctx, s.db, operationTable, operationCriteria, criteria)
}

// execOne runs a conditional update of the row id. When no row matched it
// tells a missing row (ErrNotFound) apart from one that failed the
// condition (ErrConflict).
func (s *OperationStore) execOne(ctx context.Context, id, what, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if rows > 0 {
		return nil
	}

	exists, args, err := psql.Select("1").From(operationTable).Where(sq.Eq{"id": id}).Limit(1).ToSql()
	if err != nil {
		return fmt.Errorf("build operation exists: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, exists, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operation %s: %w", id, repo.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	return repo.ErrConflict
}
