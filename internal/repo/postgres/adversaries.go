package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

const adversaryTable = "core_adversary"

var adversaryColumns = []string{"id", "name", "description", "phases"}

var adversaryCriteria = columnSet{
	"id":   textColumn,
	"name": textColumn,
}

type AdversaryStore struct {
	db DB
}

func NewAdversaryStore(db DB) *AdversaryStore {
	if db == nil {
		return nil
	}
	return &AdversaryStore{db: db}
}

// SaveAdversary inserts or replaces the adversary by id.
func (s *AdversaryStore) SaveAdversary(ctx context.Context, adversary domain.Adversary) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("adversary store not initialized")
	}
	if err := adversary.Validate(); err != nil {
		return err
	}
	phasesJSON, err := encodeJSON(adversary.Phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	query, args, err := psql.Insert(adversaryTable).
		Columns(adversaryColumns...).
		Values(strings.TrimSpace(adversary.ID), strings.TrimSpace(adversary.Name), adversary.Description, phasesJSON).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, phases = EXCLUDED.phases").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert adversary: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert adversary: %w", err)
	}
	return nil
}

func (s *AdversaryStore) GetAdversary(ctx context.Context, id string) (domain.Adversary, error) {
	if s == nil || s.db == nil {
		return domain.Adversary{}, fmt.Errorf("adversary store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Adversary{}, fmt.Errorf("adversary id is required")
	}
	query, args, err := selectWhere(adversaryTable, adversaryColumns, adversaryCriteria, repo.Criteria{"id": id}, "")
	if err != nil {
		return domain.Adversary{}, err
	}
	adversary, err := scanAdversary(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Adversary{}, handleNotFound(err)
	}
	return adversary, nil
}

func (s *AdversaryStore) ListAdversaries(ctx context.Context, criteria repo.Criteria) ([]domain.Adversary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("adversary store not initialized")
	}
	query, args, err := selectWhere(adversaryTable, adversaryColumns, adversaryCriteria, criteria, "name")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list adversaries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Adversary, 0)
	for rows.Next() {
		adversary, err := scanAdversary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan adversary: %w", err)
		}
		out = append(out, adversary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list adversaries: %w", err)
	}
	return out, nil
}

func (s *AdversaryStore) DeleteAdversaries(ctx context.Context, criteria repo.Criteria) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("adversary store not initialized")
	}
	return deleteWhere(ctx, s.db, adversaryTable, adversaryCriteria, criteria)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdversary(row rowScanner) (domain.Adversary, error) {
	var adversary domain.Adversary
	var phasesJSON []byte
	if err := row.Scan(&adversary.ID, &adversary.Name, &adversary.Description, &phasesJSON); err != nil {
		return domain.Adversary{}, err
	}
	adversary.Phases = map[int][]string{}
	if len(phasesJSON) > 0 {
		if err := json.Unmarshal(phasesJSON, &adversary.Phases); err != nil {
			return domain.Adversary{}, fmt.Errorf("decode phases: %w", err)
		}
	}
	return adversary, nil
}
