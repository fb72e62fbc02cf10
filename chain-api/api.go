package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chainops/chain-go/internal/dispatch"
	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/platform/auditlog"
	"github.com/chainops/chain-go/internal/platform/auth"
	"github.com/chainops/chain-go/internal/platform/httpserver"
	"github.com/chainops/chain-go/internal/repo"
	"github.com/chainops/chain-go/internal/service/chain"
	"github.com/chainops/chain-go/internal/service/lifecycle"
	"github.com/chainops/chain-go/internal/service/reports"
)

type reportGenerator interface {
	Generate(ctx context.Context, operationID string) (reports.Report, error)
}

type chainAPI struct {
	logger  *slog.Logger
	audit   auditlog.DB
	svc     *chain.Service
	guard   *lifecycle.Guard
	reports reportGenerator
}

// newChainAPI builds the handlers; audit may be nil to skip audit events.
func newChainAPI(logger *slog.Logger, audit auditlog.DB, svc *chain.Service, guard *lifecycle.Guard, reports reportGenerator) *chainAPI {
	return &chainAPI{
		logger:  logger,
		audit:   audit,
		svc:     svc,
		guard:   guard,
		reports: reports,
	}
}

func (api *chainAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /chain", api.handleLanding)

	mux.HandleFunc("POST /plugin/chain/rest", api.handleRest)
	mux.HandleFunc("PUT /plugin/chain/rest", api.handleRest)
	mux.HandleFunc("DELETE /plugin/chain/rest", api.handleRest)

	mux.HandleFunc("POST /plugin/chain/full", api.handleFull)
	mux.HandleFunc("PUT /plugin/chain/full", api.handleFull)

	mux.HandleFunc("PUT /plugin/chain/operation/state", api.handleOperationState)
	mux.HandleFunc("GET /plugin/chain/operation/{id}/audit", api.handleOperationAudit)
	mux.HandleFunc("PUT /plugin/chain/trust/reset", api.handleTrustReset)
}

func (api *chainAPI) handleLanding(w http.ResponseWriter, r *http.Request) {
	landing, err := api.svc.Landing(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, landing)
}

func (api *chainAPI) handleRest(w http.ResponseWriter, r *http.Request) {
	out, ok := api.dispatch(w, r)
	if !ok {
		return
	}
	api.writeJSON(w, http.StatusOK, out)
}

// handleFull behaves like handleRest and additionally attaches every ability
// to the first element of a list result.
func (api *chainAPI) handleFull(w http.ResponseWriter, r *http.Request) {
	out, ok := api.dispatch(w, r)
	if !ok {
		return
	}

	blob, err := json.Marshal(out)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	var items []map[string]any
	if err := json.Unmarshal(blob, &items); err != nil || len(items) == 0 {
		api.writeJSON(w, http.StatusOK, out)
		return
	}
	abilities, err := api.svc.FilterAbilities(r.Context(), nil)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	items[0]["abilities"] = abilities
	api.writeJSON(w, http.StatusOK, items)
}

// dispatch resolves the request index and runs the matching action. On
// failure it has already written the response.
func (api *chainAPI) dispatch(w http.ResponseWriter, r *http.Request) (any, bool) {
	fields, err := decodeFields(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return nil, false
	}
	index, _ := fields["index"].(string)
	delete(fields, "index")

	route, err := dispatch.Resolve(r.Method, index)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnsupportedVerb) {
			api.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
			return nil, false
		}
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "unsupported_index", map[string]any{"index": index})
		return nil, false
	}

	out, err := api.execute(r.Context(), route, fields)
	if err != nil {
		var bindErr *bindError
		if errors.As(err, &bindErr) {
			api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_fields", map[string]any{"message": bindErr.Error()})
			return nil, false
		}
		api.writeServiceError(w, r, err)
		return nil, false
	}
	return out, true
}

func (api *chainAPI) execute(ctx context.Context, route dispatch.Route, fields map[string]any) (any, error) {
	criteria := repo.Criteria(fields)

	switch route.Action {
	case dispatch.ActionPersistAdversary:
		var adversary domain.Adversary
		if err := bindFields(fields, &adversary); err != nil {
			return nil, err
		}
		return api.svc.PersistAdversary(ctx, adversary)

	case dispatch.ActionCreateOperation:
		var req createOperationRequest
		if err := bindFields(fields, &req); err != nil {
			return nil, err
		}
		return api.svc.CreateOperation(ctx, chain.OperationInput{
			Name:           req.Name,
			Group:          req.Group,
			AdversaryID:    req.AdversaryID,
			PlannerID:      req.PlannerID,
			SourceID:       req.SourceID,
			Jitter:         req.Jitter,
			AllowUntrusted: req.AllowUntrusted,
		})

	case dispatch.ActionCreateFact:
		var fact domain.Fact
		if err := bindFields(fields, &fact); err != nil {
			return nil, err
		}
		return api.svc.CreateFact(ctx, fact)

	case dispatch.ActionUpdateAgent:
		paw, _ := fields["paw"].(string)
		delete(criteria, "paw")
		return api.svc.UpdateAgent(ctx, paw, criteria)

	case dispatch.ActionFilterAdversaries:
		return api.svc.FilterAdversaries(ctx, criteria)
	case dispatch.ActionFilterAbilities:
		return api.svc.FilterAbilities(ctx, criteria)
	case dispatch.ActionFilterOperations:
		return api.svc.FilterOperations(ctx, criteria)
	case dispatch.ActionFilterAgents:
		return api.svc.FilterAgents(ctx, criteria)
	case dispatch.ActionFilterResults:
		return api.svc.FilterResults(ctx, criteria)

	case dispatch.ActionOperationReport:
		id, _ := fields["id"].(string)
		return api.reports.Generate(ctx, id)

	case dispatch.ActionDelete:
		n, err := api.svc.Delete(ctx, route.Resource, criteria)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": n}, nil
	}
	return nil, dispatch.ErrUnsupportedRoute
}

type createOperationRequest struct {
	Name           string `json:"name"`
	Group          string `json:"host_group"`
	AdversaryID    string `json:"adversary_id"`
	PlannerID      string `json:"planner_id,omitempty"`
	SourceID       string `json:"source_id,omitempty"`
	Jitter         string `json:"jitter,omitempty"`
	AllowUntrusted bool   `json:"allow_untrusted,omitempty"`
}

type operationStateRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (api *chainAPI) handleOperationState(w http.ResponseWriter, r *http.Request) {
	var req operationStateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	var (
		tr  lifecycle.Transition
		err error
	)
	if api.audit != nil {
		tr, err = api.guard.RequestTransitionWithAudit(r.Context(), api.audit, api.auditInfo(r), req.ID, req.State)
	} else {
		tr, err = api.guard.RequestTransition(r.Context(), req.ID, req.State)
	}
	// A paused operation holds no worker, so resuming it queues a new run.
	if err == nil && tr.From == domain.OperationPaused && tr.To == domain.OperationRunning {
		err = api.svc.ScheduleOperation(r.Context(), tr.OperationID)
	}

	var invalid *lifecycle.InvalidStateError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, lifecycle.ErrAlreadyFinished):
		api.writeError(w, r, http.StatusBadRequest, "operation_finished")
	case errors.As(err, &invalid):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_state", map[string]any{
			"requested": invalid.Requested,
			"allowed":   invalid.AllowedValues(),
			"message":   invalid.Error(),
		})
	default:
		api.writeServiceError(w, r, err)
	}
}

func (api *chainAPI) handleOperationAudit(w http.ResponseWriter, r *http.Request) {
	if api.audit == nil {
		api.writeError(w, r, http.StatusNotImplemented, "audit_unavailable")
		return
	}
	id := r.PathValue("id")
	ops, err := api.svc.FilterOperations(r.Context(), repo.Criteria{"id": id})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if len(ops) == 0 {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	records, err := auditlog.ListForResource(r.Context(), api.audit, "operation", id, 0)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"operation_id": id, "events": records})
}

func (api *chainAPI) handleTrustReset(w http.ResponseWriter, r *http.Request) {
	n, err := api.svc.ResetTrust(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (api *chainAPI) auditInfo(r *http.Request) lifecycle.AuditInfo {
	actor := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Actor() != "" {
		actor = identity.Actor()
	}
	return lifecycle.AuditInfo{
		Actor:     actor,
		RequestID: r.Header.Get(httpserver.HeaderRequestID),
		UserAgent: r.UserAgent(),
		IP:        auditlog.RequestIP(r.RemoteAddr),
		Service:   serviceName,
	}
}

func (api *chainAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chain.ErrInvalidInput):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_input", map[string]any{"message": err.Error()})
	case errors.Is(err, repo.ErrInvalidCriteria):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_criteria", map[string]any{"message": err.Error()})
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrConflict), isUniqueViolation(err):
		api.writeError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, chain.ErrNotScheduled):
		api.writeErrorWithDetails(w, r, http.StatusServiceUnavailable, "operation_not_scheduled", map[string]any{"message": err.Error()})
	default:
		api.logger.Error("request failed",
			"request_id", r.Header.Get(httpserver.HeaderRequestID),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

type bindError struct{ err error }

func (e *bindError) Error() string { return e.err.Error() }
func (e *bindError) Unwrap() error { return e.err }

// bindFields maps free-form request fields onto a typed value.
func bindFields(fields map[string]any, dst any) error {
	blob, err := json.Marshal(fields)
	if err != nil {
		return &bindError{err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &bindError{err: err}
	}
	return nil
}

func decodeFields(r *http.Request) (map[string]any, error) {
	var fields map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("multiple JSON values")
	}
	if fields == nil {
		return nil, errors.New("body must be a JSON object")
	}
	return fields, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *chainAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (api *chainAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get(httpserver.HeaderRequestID),
	})
}

func (api *chainAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get(httpserver.HeaderRequestID),
		"details":    details,
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
