package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Engine is the subset of *engine.Engine the handlers drive.
type Engine interface {
	IssueToken(ctx context.Context, input engine.IssueInput) (models.Token, error)
	CallNext(ctx context.Context, queueID, staffID string) (models.Token, error)
	MarkServed(ctx context.Context, tokenID, staffID string) (models.Token, error)
	CancelToken(ctx context.Context, input engine.CancelInput) (models.Token, error)
	MarkMissed(ctx context.Context, tokenID string) (models.Token, error)
	PauseQueue(ctx context.Context, queueID string) (models.Queue, error)
	ResumeQueue(ctx context.Context, queueID string) (models.Queue, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListWaiting(ctx context.Context, queueID string) ([]models.Token, error)
}

type Handler struct {
	engine Engine
	outbox store.OutboxReader
	health func(ctx context.Context) error
}

type Options struct {
	// Outbox enables GET /api/events when set.
	Outbox store.OutboxReader
	Health func(ctx context.Context) error
}

type issueTokenRequest struct {
	QueueID  string `json:"queue_id"`
	Priority string `json:"priority"`
	UserID   string `json:"user_id"`
}

type callNextRequest struct {
	QueueID string `json:"queue_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type waitingResponse struct {
	QueueID string         `json:"queue_id"`
	Tokens  []models.Token `json:"tokens"`
}

func NewHandler(eng Engine, options Options) *Handler {
	return &Handler{
		engine: eng,
		outbox: options.Outbox,
		health: options.Health,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleIssue)
	mux.HandleFunc("/api/tokens/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tokens/", h.handleToken)
	mux.HandleFunc("/api/queues/", h.handleQueue)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req issueTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.QueueID = strings.TrimSpace(req.QueueID)
	req.Priority = strings.ToUpper(strings.TrimSpace(req.Priority))
	req.UserID = strings.TrimSpace(req.UserID)
	if req.QueueID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "queue_id is required")
		return
	}

	// Customers take tokens for themselves at normal priority. Staff may
	// issue on someone's behalf, at any tier, or as a walk-in.
	input := engine.IssueInput{QueueID: req.QueueID, Priority: req.Priority, UserID: req.UserID}
	if !principal.Elevated {
		if req.Priority != "" && req.Priority != models.PriorityNormal {
			writeError(w, requestID, http.StatusForbidden, "forbidden", "priority tokens are issued by staff")
			return
		}
		if req.UserID != "" && req.UserID != principal.Session.UserID {
			writeError(w, requestID, http.StatusForbidden, "forbidden", "cannot issue tokens for another user")
			return
		}
		input.UserID = principal.Session.UserID
	}

	token, err := h.engine.IssueToken(r.Context(), input)
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	principal, ok := requireElevated(w, r)
	if !ok {
		return
	}

	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.QueueID = strings.TrimSpace(req.QueueID)
	if req.QueueID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "queue_id is required")
		return
	}

	token, err := h.engine.CallNext(r.Context(), req.QueueID, principal.Session.UserID)
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleToken serves GET /api/tokens/{id} and
// POST /api/tokens/{id}/actions/{serve|cancel|miss}.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tokenID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetToken(w, r, tokenID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTokenAction(w, r, tokenID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	requestID := requestIDFromRequest(r)
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	token, err := h.engine.GetToken(r.Context(), tokenID)
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	if !principal.Elevated && (token.UserID == nil || *token.UserID != principal.Session.UserID) {
		writeMappedError(w, requestID, store.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, tokenID, action string) {
	requestID := requestIDFromRequest(r)
	var (
		token models.Token
		err   error
	)
	switch action {
	case "cancel":
		principal, ok := requirePrincipal(w, r)
		if !ok {
			return
		}
		token, err = h.engine.CancelToken(r.Context(), engine.CancelInput{
			TokenID:     tokenID,
			RequesterID: principal.Session.UserID,
			Elevated:    principal.Elevated,
		})
	case "serve":
		principal, ok := requireElevated(w, r)
		if !ok {
			return
		}
		token, err = h.engine.MarkServed(r.Context(), tokenID, principal.Session.UserID)
	case "miss":
		if _, ok := requireElevated(w, r); !ok {
			return
		}
		token, err = h.engine.MarkMissed(r.Context(), tokenID)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleQueue serves GET /api/queues/{id}/tokens and
// POST /api/queues/{id}/actions/{pause|resume}.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	requestID := requestIDFromRequest(r)

	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] == "tokens":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		principal, ok := requirePrincipal(w, r)
		if !ok {
			return
		}
		tokens, err := h.engine.ListWaiting(r.Context(), parts[0])
		if err != nil {
			writeMappedError(w, requestID, err)
			return
		}
		if tokens == nil {
			tokens = []models.Token{}
		}
		if !principal.Elevated {
			redactTokens(tokens, principal.Session.UserID)
		}
		writeJSON(w, http.StatusOK, waitingResponse{QueueID: parts[0], Tokens: tokens})
	case len(parts) == 3 && parts[0] != "" && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := requireElevated(w, r); !ok {
			return
		}
		var (
			queue models.Queue
			err   error
		)
		switch parts[2] {
		case "pause":
			queue, err = h.engine.PauseQueue(r.Context(), parts[0])
		case "resume":
			queue, err = h.engine.ResumeQueue(r.Context(), parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			writeMappedError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, queue)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	if h.outbox == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	principal, ok := requireElevated(w, r)
	if !ok {
		return
	}

	var after time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "after must be RFC3339")
			return
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	list, err := h.outbox.ListOutboxEvents(r.Context(), principal.Session.OrganisationID, after, limit)
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	if list == nil {
		list = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// redactTokens hides who holds and who called each token from a customer,
// except the customer's own user id on their own tokens.
func redactTokens(tokens []models.Token, viewerID string) {
	for i := range tokens {
		tokens[i].CallerID = nil
		if tokens[i].UserID != nil && *tokens[i].UserID != viewerID {
			tokens[i].UserID = nil
		}
	}
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrQueueInactive):
		return http.StatusConflict, "queue_inactive", "queue is not accepting tokens"
	case errors.Is(err, store.ErrQueueAtCapacity):
		return http.StatusConflict, "queue_at_capacity", "queue is full"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token state does not allow this action"
	case errors.Is(err, store.ErrNoPendingTokens):
		return http.StatusConflict, "no_pending_tokens", "no tokens waiting"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden", "access denied"
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, requestID string, err error) {
	status, code, message := mapError(err)
	writeError(w, requestID, status, code, message)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
