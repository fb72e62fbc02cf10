package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const table = "audit_events"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      any
}

// Record is a stored event as read back for an audit trail.
type Record struct {
	EventID      int64           `json:"event_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	RequestID    string          `json:"request_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB reads and writes events; *sql.DB satisfies it.
type DB interface {
	QueryRower
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (e Event) normalized() Event {
	e.Actor = strings.TrimSpace(e.Actor)
	e.Action = strings.TrimSpace(e.Action)
	e.ResourceType = strings.TrimSpace(e.ResourceType)
	e.ResourceID = strings.TrimSpace(e.ResourceID)
	e.RequestID = strings.TrimSpace(e.RequestID)
	e.UserAgent = strings.TrimSpace(e.UserAgent)
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e
}

func (e Event) Validate() error {
	var missing []string
	if e.OccurredAt.IsZero() {
		missing = append(missing, "OccurredAt")
	}
	for _, field := range [...]struct{ name, value string }{
		{"Actor", e.Actor},
		{"Action", e.Action},
		{"ResourceType", e.ResourceType},
		{"ResourceID", e.ResourceID},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("audit event missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Insert appends one event and returns its id. The stored integrity hash
// covers every column and the canonical payload.
func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	event = event.normalized()
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	query, args, err := psql.Insert(table).
		Columns("occurred_at", "actor", "action", "resource_type", "resource_id",
			"request_id", "ip", "user_agent", "payload", "integrity_sha256").
		Values(event.OccurredAt, event.Actor, event.Action, event.ResourceType, event.ResourceID,
			nullString(event.RequestID), nullString(ipString(event.IP)), nullString(event.UserAgent),
			payloadJSON, integrity).
		Suffix("RETURNING event_id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert audit event: %w", err)
	}

	var id int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

// ListForResource returns the newest events for one resource first.
func ListForResource(ctx context.Context, db DB, resourceType, resourceID string, limit uint64) ([]Record, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if limit == 0 {
		limit = 100
	}
	query, args, err := psql.
		Select("event_id", "occurred_at", "actor", "action", "resource_type", "resource_id", "request_id", "payload").
		From(table).
		Where(sq.Eq{"resource_type": strings.TrimSpace(resourceType), "resource_id": strings.TrimSpace(resourceID)}).
		OrderBy("occurred_at DESC", "event_id DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit events: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			requestID sql.NullString
			payload   []byte
		)
		if err := rows.Scan(&rec.EventID, &rec.OccurredAt, &rec.Actor, &rec.Action, &rec.ResourceType, &rec.ResourceID, &requestID, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		rec.RequestID = requestID.String
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	event = event.normalized()
	blob, err := json.Marshal(struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		IP:           ipString(event.IP),
		UserAgent:    event.UserAgent,
		Payload:      payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// RequestIP parses http.Request.RemoteAddr, with or without a port.
func RequestIP(remoteAddr string) net.IP {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	return net.ParseIP(remoteAddr)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
