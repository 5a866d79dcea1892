package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	staffSession    = "sess-staff"
	customerSession = "sess-customer"
	otherSession    = "sess-other"
)

// syncPublisher hands events straight to a sink so tests can read the
// outbox without waiting on the emitter goroutine.
type syncPublisher struct {
	sink events.Sink
}

func (p syncPublisher) Emit(batch ...events.Event) {
	for _, event := range batch {
		_ = p.sink.Publish(context.Background(), event)
	}
}

type fakeEngine struct {
	issueFn func(ctx context.Context, input engine.IssueInput) (models.Token, error)
	callFn  func(ctx context.Context, queueID, staffID string) (models.Token, error)
	getFn   func(ctx context.Context, tokenID string) (models.Token, error)
}

func (f fakeEngine) IssueToken(ctx context.Context, input engine.IssueInput) (models.Token, error) {
	if f.issueFn == nil {
		return models.Token{}, nil
	}
	return f.issueFn(ctx, input)
}

func (f fakeEngine) CallNext(ctx context.Context, queueID, staffID string) (models.Token, error) {
	if f.callFn == nil {
		return models.Token{}, nil
	}
	return f.callFn(ctx, queueID, staffID)
}

func (f fakeEngine) MarkServed(ctx context.Context, tokenID, staffID string) (models.Token, error) {
	return models.Token{}, nil
}

func (f fakeEngine) CancelToken(ctx context.Context, input engine.CancelInput) (models.Token, error) {
	return models.Token{}, nil
}

func (f fakeEngine) MarkMissed(ctx context.Context, tokenID string) (models.Token, error) {
	return models.Token{}, nil
}

func (f fakeEngine) PauseQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return models.Queue{}, nil
}

func (f fakeEngine) ResumeQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return models.Queue{}, nil
}

func (f fakeEngine) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	if f.getFn == nil {
		return models.Token{}, store.ErrTokenNotFound
	}
	return f.getFn(ctx, tokenID)
}

func (f fakeEngine) ListWaiting(ctx context.Context, queueID string) ([]models.Token, error) {
	return nil, nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	mem := memory.New()
	mem.PutQueue(models.Queue{ID: "q1", OrganisationID: "org1", Name: "Pharmacy", AverageTime: 4, IsActive: true})
	expires := time.Now().Add(time.Hour)
	mem.PutSession(store.Session{SessionID: staffSession, UserID: "staff-1", OrganisationID: "org1", Role: "STAFF", ExpiresAt: expires})
	mem.PutSession(store.Session{SessionID: customerSession, UserID: "cust-1", OrganisationID: "org1", Role: "USER", ExpiresAt: expires})
	mem.PutSession(store.Session{SessionID: otherSession, UserID: "cust-2", OrganisationID: "org1", Role: "USER", ExpiresAt: expires})

	logger, _ := logtest.NewNullLogger()
	eng := engine.New(mem, syncPublisher{sink: mem}, nil, engine.Options{Logger: logger})
	t.Cleanup(eng.Close)

	handler := NewHandler(eng, Options{Outbox: mem})
	return AuthMiddleware(mem, handler.Routes())
}

func do(t *testing.T, handler http.Handler, method, path, session string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-1")
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) models.Token {
	t.Helper()
	var token models.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	return token
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestIssueTokenAsCustomer(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := decodeToken(t, rec)
	assert.Equal(t, "P001", token.DisplayID)
	assert.Equal(t, 1, token.Position)
	assert.Equal(t, 4, token.EstimatedWaitMinutes)
	require.NotNil(t, token.UserID)
	assert.Equal(t, "cust-1", *token.UserID)

	rec = do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1", "priority": "EMERGENCY"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1", "user_id": "cust-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "queue_not_found", errorCode(t, rec))
}

func TestIssueTokenValidation(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/tokens", "", map[string]string{"queue_id": "q1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens", "expired", map[string]string{"queue_id": "q1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1", "unknown": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", errorCode(t, rec))

	rec = do(t, server, http.MethodGet, "/api/tokens", customerSession, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStaffIssuesWalkInAtPriority(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/tokens", staffSession, map[string]string{"queue_id": "q1", "priority": "priority"})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decodeToken(t, rec)
	assert.Equal(t, models.PriorityPriority, token.Priority)
	assert.Nil(t, token.UserID)
}

func TestCallNextAndServe(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/tokens/actions/call-next", staffSession, map[string]string{"queue_id": "q1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_pending_tokens", errorCode(t, rec))

	issued := decodeToken(t, do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1"}))

	rec = do(t, server, http.MethodPost, "/api/tokens/actions/call-next", customerSession, map[string]string{"queue_id": "q1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens/actions/call-next", staffSession, map[string]string{"queue_id": "q1"})
	require.Equal(t, http.StatusOK, rec.Code)
	called := decodeToken(t, rec)
	assert.Equal(t, issued.ID, called.ID)
	assert.Equal(t, models.StatusCalled, called.Status)

	servePath := fmt.Sprintf("/api/tokens/%s/actions/serve", issued.ID)
	rec = do(t, server, http.MethodPost, servePath, staffSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusServed, decodeToken(t, rec).Status)

	rec = do(t, server, http.MethodPost, servePath, staffSession, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))
}

func TestCancelAndReadToken(t *testing.T) {
	server := newTestServer(t)
	issued := decodeToken(t, do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1"}))
	tokenPath := "/api/tokens/" + issued.ID

	rec := do(t, server, http.MethodGet, tokenPath, otherSession, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodGet, tokenPath, customerSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, issued.ID, decodeToken(t, rec).ID)

	rec = do(t, server, http.MethodGet, "/api/tokens/unknown", staffSession, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, tokenPath+"/actions/cancel", otherSession, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	rec = do(t, server, http.MethodPost, tokenPath+"/actions/cancel", customerSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decodeToken(t, rec).Status)

	rec = do(t, server, http.MethodPost, tokenPath+"/actions/miss", staffSession, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodPost, tokenPath+"/actions/teleport", staffSession, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	server := newTestServer(t)
	do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1"})
	do(t, server, http.MethodPost, "/api/tokens", otherSession, map[string]string{"queue_id": "q1"})

	rec := do(t, server, http.MethodGet, "/api/queues/q1/tokens", customerSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var waiting waitingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &waiting))
	require.Len(t, waiting.Tokens, 2)
	assert.Equal(t, "P001", waiting.Tokens[0].DisplayID)
	require.NotNil(t, waiting.Tokens[0].UserID)
	assert.Equal(t, "cust-1", *waiting.Tokens[0].UserID)
	assert.Nil(t, waiting.Tokens[1].UserID, "another customer's id is hidden")
	assert.NotContains(t, rec.Body.String(), "cust-2")

	rec = do(t, server, http.MethodGet, "/api/queues/q1/tokens", staffSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var staffView waitingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &staffView))
	require.Len(t, staffView.Tokens, 2)
	require.NotNil(t, staffView.Tokens[1].UserID)
	assert.Equal(t, "cust-2", *staffView.Tokens[1].UserID)

	rec = do(t, server, http.MethodPost, "/api/queues/q1/actions/pause", customerSession, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/queues/q1/actions/pause", staffSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "queue_inactive", errorCode(t, rec))

	rec = do(t, server, http.MethodPost, "/api/queues/q1/actions/resume", staffSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/queues/missing/tokens", staffSession, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsListing(t *testing.T) {
	server := newTestServer(t)
	do(t, server, http.MethodPost, "/api/tokens", customerSession, map[string]string{"queue_id": "q1"})

	rec := do(t, server, http.MethodGet, "/api/events", customerSession, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/events?limit=10", staffSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.OutboxEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, events.TypeTokenAdded, list[0].Type)
	assert.Equal(t, "queue:q1", list[0].Channel)
	assert.Equal(t, "org:org1", list[1].Channel)

	rec = do(t, server, http.MethodGet, "/api/events?after=yesterday", staffSession, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/events?limit=0", staffSession, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageFailureMapsTo503(t *testing.T) {
	sessions := memory.New()
	sessions.PutSession(store.Session{SessionID: staffSession, UserID: "staff-1", OrganisationID: "org1", Role: "ADMIN"})
	eng := fakeEngine{
		callFn: func(ctx context.Context, queueID, staffID string) (models.Token, error) {
			assert.Equal(t, "staff-1", staffID)
			return models.Token{}, fmt.Errorf("%w: %w", store.ErrStorageUnavailable, errors.New("connection refused"))
		},
	}
	server := AuthMiddleware(sessions, NewHandler(eng, Options{}).Routes())

	rec := do(t, server, http.MethodPost, "/api/tokens/actions/call-next", staffSession, map[string]string{"queue_id": "q1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", errorCode(t, rec))

	rec = do(t, server, http.MethodGet, "/api/events", staffSession, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "events are disabled without an outbox")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrQueueNotFound, http.StatusNotFound, "queue_not_found"},
		{store.ErrTokenNotFound, http.StatusNotFound, "token_not_found"},
		{store.ErrQueueInactive, http.StatusConflict, "queue_inactive"},
		{store.ErrQueueAtCapacity, http.StatusConflict, "queue_at_capacity"},
		{fmt.Errorf("%w: serve from PENDING", store.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{store.ErrNoPendingTokens, http.StatusConflict, "no_pending_tokens"},
		{store.ErrForbidden, http.StatusForbidden, "forbidden"},
		{store.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			status, code, _ := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestHealthz(t *testing.T) {
	healthy := NewHandler(fakeEngine{}, Options{}).Routes()
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewHandler(fakeEngine{}, Options{Health: func(ctx context.Context) error { return errors.New("down") }}).Routes()
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 2, OrgPerMinute: 1, OrgBurst: 1})
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	byIP := limiter.Middleware(ok)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		rec := httptest.NewRecorder()
		byIP.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.Header.Set("X-Forwarded-For", "10.2.2.2, 10.0.0.1")
	rec := httptest.NewRecorder()
	byIP.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sessions := memory.New()
	sessions.PutSession(store.Session{SessionID: customerSession, UserID: "cust-1", OrganisationID: "org9"})
	byOrg := AuthMiddleware(sessions, limiter.OrgMiddleware(ok))
	first := do(t, byOrg, http.MethodGet, "/api/queues/q1/tokens", customerSession, nil)
	second := do(t, byOrg, http.MethodGet, "/api/queues/q1/tokens", customerSession, nil)
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestIsElevated(t *testing.T) {
	assert.True(t, IsElevated("staff"))
	assert.True(t, IsElevated("SUPER_ADMIN"))
	assert.False(t, IsElevated("USER"))
	assert.False(t, IsElevated(""))
}
