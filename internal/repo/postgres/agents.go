package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/repo"
)

const agentTable = "core_agent"

var agentColumns = []string{
	"paw", "host", "host_group", "platform", "server", "trusted", "sleep", "last_seen", "last_trusted_seen",
}

var agentCriteria = columnSet{
	"paw":        textColumn,
	"host":       textColumn,
	"host_group": textColumn,
	"platform":   textColumn,
	"server":     textColumn,
	"trusted":    boolColumn,
}

// agentUpdatable excludes the paw, which identifies the row.
var agentUpdatable = columnSet{
	"host":              textColumn,
	"host_group":        textColumn,
	"platform":          textColumn,
	"server":            textColumn,
	"trusted":           boolColumn,
	"sleep":             intColumn,
	"last_seen":         timeColumn,
	"last_trusted_seen": timeColumn,
}

type AgentStore struct {
	db DB
}

func NewAgentStore(db DB) *AgentStore {
	if db == nil {
		return nil
	}
	return &AgentStore{db: db}
}

func (s *AgentStore) ListAgents(ctx context.Context, criteria repo.Criteria) ([]domain.Agent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("agent store not initialized")
	}
	query, args, err := selectWhere(agentTable, agentColumns, agentCriteria, criteria, "paw")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Agent, 0)
	for rows.Next() {
		var a domain.Agent
		var lastSeen, lastTrustedSeen sql.NullTime
		if err := rows.Scan(&a.Paw, &a.Host, &a.Group, &a.Platform, &a.Server, &a.Trusted, &a.Sleep,
			&lastSeen, &lastTrustedSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.LastSeen = timePtr(lastSeen)
		a.LastTrustedSeen = timePtr(lastTrustedSeen)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (s *AgentStore) UpdateAgent(ctx context.Context, paw string, fields repo.Criteria) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("agent store not initialized")
	}
	paw = strings.TrimSpace(paw)
	if paw == "" {
		return fmt.Errorf("paw is required")
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields to update", repo.ErrInvalidCriteria)
	}
	values, err := agentUpdatable.assignments(fields)
	if err != nil {
		return err
	}
	query, args, err := psql.Update(agentTable).
		SetMap(values).
		Where(sq.Eq{"paw": paw}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update agent: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *AgentStore) DeleteAgents(ctx context.Context, criteria repo.Criteria) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("agent store not initialized")
	}
	return deleteWhere(ctx, s.db, agentTable, agentCriteria, criteria)
}
