package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chainops/chain-go/internal/domain"
)

// CatalogStore reads the fact sources and planners registered with the server.
type CatalogStore struct {
	db DB
}

func NewCatalogStore(db DB) *CatalogStore {
	if db == nil {
		return nil
	}
	return &CatalogStore{db: db}
}

func (s *CatalogStore) ListSources(ctx context.Context) ([]domain.Source, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("catalog store not initialized")
	}
	query, args, err := psql.Select("id", "name").From("core_source").OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sources: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Source, 0)
	for rows.Next() {
		var src domain.Source
		if err := rows.Scan(&src.ID, &src.Name); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

func (s *CatalogStore) ListPlanners(ctx context.Context) ([]domain.Planner, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("catalog store not initialized")
	}
	query, args, err := psql.Select("id", "name", "module", "params").From("core_planner").OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list planners: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list planners: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Planner, 0)
	for rows.Next() {
		var p domain.Planner
		var paramsJSON []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Module, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scan planner: %w", err)
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &p.Params); err != nil {
				return nil, fmt.Errorf("decode planner params: %w", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list planners: %w", err)
	}
	return out, nil
}
