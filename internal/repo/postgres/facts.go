package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

const factTable = "core_fact"

var factColumns = []string{"id", "property", "value", "score", "source_id"}

var factCriteria = columnSet{
	"id":        textColumn,
	"property":  textColumn,
	"value":     textColumn,
	"score":     intColumn,
	"source_id": textColumn,
}

type FactStore struct {
	db DB
}

func NewFactStore(db DB) *FactStore {
	if db == nil {
		return nil
	}
	return &FactStore{db: db}
}

func (s *FactStore) CreateFact(ctx context.Context, fact domain.Fact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("fact store not initialized")
	}
	if err := fact.Validate(); err != nil {
		return err
	}
	query, args, err := psql.Insert(factTable).
		Columns(factColumns...).
		Values(strings.TrimSpace(fact.ID), strings.TrimSpace(fact.Property), fact.Value, fact.Score, strings.TrimSpace(fact.SourceID)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert fact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (s *FactStore) ListFacts(ctx context.Context, criteria repo.Criteria) ([]domain.Fact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("fact store not initialized")
	}
	query, args, err := selectWhere(factTable, factColumns, factCriteria, criteria, "property, score DESC")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Fact, 0)
	for rows.Next() {
		var f domain.Fact
		if err := rows.Scan(&f.ID, &f.Property, &f.Value, &f.Score, &f.SourceID); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	return out, nil
}

func (s *FactStore) DeleteFacts(ctx context.Context, criteria repo.Criteria) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("fact store not initialized")
	}
	return deleteWhere(ctx, s.db, factTable, factCriteria, criteria)
}
