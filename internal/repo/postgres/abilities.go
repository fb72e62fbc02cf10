package postgres

import (
	"context"
	"fmt"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

const abilityTable = "core_ability"

var abilityColumns = []string{
	"id", "tactic", "technique_id", "technique_name", "name", "description", "executor", "platform", "command",
}

var abilityCriteria = columnSet{
	"id":           textColumn,
	"tactic":       textColumn,
	"technique_id": textColumn,
	"name":         textColumn,
	"executor":     textColumn,
	"platform":     textColumn,
}

type AbilityStore struct {
	db DB
}

func NewAbilityStore(db DB) *AbilityStore {
	if db == nil {
		return nil
	}
	return &AbilityStore{db: db}
}

func (s *AbilityStore) ListAbilities(ctx context.Context, criteria repo.Criteria) ([]domain.Ability, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ability store not initialized")
	}
	query, args, err := selectWhere(abilityTable, abilityColumns, abilityCriteria, criteria, "tactic, name")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list abilities: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Ability, 0)
	for rows.Next() {
		var a domain.Ability
		if err := rows.Scan(&a.ID, &a.Tactic, &a.TechniqueID, &a.TechniqueName, &a.Name, &a.Description,
			&a.Executor, &a.Platform, &a.Command); err != nil {
			return nil, fmt.Errorf("scan ability: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list abilities: %w", err)
	}
	return out, nil
}

func (s *AbilityStore) DeleteAbilities(ctx context.Context, criteria repo.Criteria) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("ability store not initialized")
	}
	return deleteWhere(ctx, s.db, abilityTable, abilityCriteria, criteria)
}
