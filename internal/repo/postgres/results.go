package postgres

import (
	"context"
	"fmt"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

const resultTable = "core_result"

var resultColumns = []string{"id", "operation_id", "paw", "ability_id", "command", "output", "status", "collected_at"}

var resultCriteria = columnSet{
	"id":           textColumn,
	"operation_id": textColumn,
	"paw":          textColumn,
	"ability_id":   textColumn,
	"status":       intColumn,
}

type ResultStore struct {
	db DB
}

func NewResultStore(db DB) *ResultStore {
	if db == nil {
		return nil
	}
	return &ResultStore{db: db}
}

func (s *ResultStore) ListResults(ctx context.Context, criteria repo.Criteria) ([]domain.Result, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("result store not initialized")
	}
	query, args, err := selectWhere(resultTable, resultColumns, resultCriteria, criteria, "collected_at")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Result, 0)
	for rows.Next() {
		var r domain.Result
		if err := rows.Scan(&r.ID, &r.OperationID, &r.Paw, &r.AbilityID, &r.Command, &r.Output, &r.Status, &r.CollectedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.CollectedAt = r.CollectedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

func (s *ResultStore) DeleteResults(ctx context.Context, criteria repo.Criteria) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("result store not initialized")
	}
	return deleteWhere(ctx, s.db, resultTable, resultCriteria, criteria)
}
