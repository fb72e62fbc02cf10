package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chainops/chain-go/internal/platform/auditlog"
	"github.com/chainops/chain-go/internal/platform/httpserver"
)

type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	RemoteAddr string
	UserAgent  string
}

type AuditFunc func(ctx context.Context, event DenyEvent) error

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(w, r, Identity{}, http.StatusUnauthorized, reason, err)
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, reason string, err error) {
	requestID := r.Header.Get(httpserver.HeaderRequestID)
	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", reason,
			"status", status,
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"subject", identity.Subject,
			"error", err.Error(),
		)
	}
	if m.Audit != nil {
		auditErr := m.Audit(r.Context(), DenyEvent{
			Time:       time.Now().UTC(),
			Status:     status,
			Reason:     reason,
			Error:      err.Error(),
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Subject:    identity.Subject,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
		if auditErr != nil && m.Logger != nil {
			m.Logger.Warn("audit deny failed", "request_id", requestID, "error", auditErr.Error())
		}
	}
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      reason,
		"request_id": requestID,
	})
}

// AuditDenials records denials as auth.denied audit events.
func AuditDenials(q auditlog.QueryRower, service string) AuditFunc {
	return func(ctx context.Context, event DenyEvent) error {
		actor := strings.TrimSpace(event.Subject)
		if actor == "" {
			actor = "anonymous"
		}
		_, err := auditlog.Insert(ctx, q, auditlog.Event{
			OccurredAt:   event.Time,
			Actor:        actor,
			Action:       "auth.denied",
			ResourceType: "http_request",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			IP:           auditlog.RequestIP(event.RemoteAddr),
			UserAgent:    event.UserAgent,
			Payload: map[string]any{
				"service": service,
				"status":  event.Status,
				"reason":  event.Reason,
				"error":   event.Error,
			},
		})
		return err
	}
}
