package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/chainops/chain-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type columnKind int

const (
	textColumn columnKind = iota
	intColumn
	boolColumn
	timeColumn
)

// columnSet whitelists the columns a store accepts in criteria and updates.
type columnSet map[string]columnKind

func (cs columnSet) eq(criteria repo.Criteria) (sq.Eq, error) {
	out := sq.Eq{}
	for key, raw := range criteria {
		kind, ok := cs[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", repo.ErrInvalidCriteria, key)
		}
		if items, ok := raw.([]any); ok {
			values := make([]any, 0, len(items))
			for _, item := range items {
				v, err := coerce(kind, item)
				if err != nil {
					return nil, fmt.Errorf("%w: field %q: %v", repo.ErrInvalidCriteria, key, err)
				}
				values = append(values, v)
			}
			out[key] = values
			continue
		}
		v, err := coerce(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", repo.ErrInvalidCriteria, key, err)
		}
		out[key] = v
	}
	return out, nil
}

// assignments validates fields for an UPDATE ... SET; lists are rejected.
func (cs columnSet) assignments(fields repo.Criteria) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for key, raw := range fields {
		kind, ok := cs[key]
		if !ok {
			return nil, fmt.Errorf("%w: field %q is not updatable", repo.ErrInvalidCriteria, key)
		}
		v, err := coerce(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", repo.ErrInvalidCriteria, key, err)
		}
		out[key] = v
	}
	return out, nil
}

// coerce normalizes JSON-decoded values to the column's Go type.
func coerce(kind columnKind, raw any) (any, error) {
	switch kind {
	case textColumn:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		}
	case intColumn:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != float64(int(v)) {
				return nil, errors.New("expected integer")
			}
			return int(v), nil
		case string:
			return strconv.Atoi(strings.TrimSpace(v))
		}
	case boolColumn:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		}
	case timeColumn:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			return parsed.UTC(), nil
		}
	}
	return nil, fmt.Errorf("unsupported value %v", raw)
}

func deleteWhere(ctx context.Context, db DB, table string, columns columnSet, criteria repo.Criteria) (int64, error) {
	if len(criteria) == 0 {
		return 0, fmt.Errorf("%w: delete requires at least one field", repo.ErrInvalidCriteria)
	}
	where, err := columns.eq(criteria)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Delete(table).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete %s: %w", table, err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return n, nil
}

func selectWhere(table string, cols []string, columns columnSet, criteria repo.Criteria, orderBy string) (string, []any, error) {
	builder := psql.Select(cols...).From(table)
	if len(criteria) > 0 {
		where, err := columns.eq(criteria)
		if err != nil {
			return "", nil, err
		}
		builder = builder.Where(where)
	}
	if orderBy != "" {
		builder = builder.OrderBy(orderBy)
	}
	return builder.ToSql()
}

func encodeJSON(value any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
