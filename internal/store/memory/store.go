// Package memory is an in-process TokenStore. It backs tests and
// single-instance deployments that do not need durability.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

// DefaultOutboxLimit is how many outbox events a new Store retains.
const DefaultOutboxLimit = 10000

type Store struct {
	mu          sync.RWMutex
	queues      map[string]models.Queue
	tokens      map[string]models.Token
	sessions    map[string]store.Session
	outbox      []store.OutboxEvent
	outboxLimit int
}

func New() *Store {
	return &Store{
		queues:      make(map[string]models.Queue),
		tokens:      make(map[string]models.Token),
		sessions:    make(map[string]store.Session),
		outboxLimit: DefaultOutboxLimit,
	}
}

// SetOutboxLimit caps the retained outbox; the oldest events are dropped
// first. Values below one keep DefaultOutboxLimit.
func (s *Store) SetOutboxLimit(limit int) {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxLimit = limit
	s.trimOutbox()
}

// PutQueue inserts or replaces a queue definition.
func (s *Store) PutQueue(queue models.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue.ID] = queue
}

func (s *Store) PutSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return queue, nil
}

func (s *Store) SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	queue.IsActive = active
	s.queues[queueID] = queue
	return queue, nil
}

func (s *Store) CreateToken(ctx context.Context, token models.Token) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[token.QueueID]; !ok {
		return models.Token{}, store.ErrQueueNotFound
	}
	if _, exists := s.tokens[token.ID]; exists {
		return models.Token{}, fmt.Errorf("token %s already exists", token.ID)
	}
	s.tokens[token.ID] = cloneToken(token)
	return cloneToken(token), nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return cloneToken(token), nil
}

func (s *Store) ListPending(ctx context.Context, queueID string) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tokens []models.Token
	for _, token := range s.tokens {
		if token.QueueID == queueID && token.Status == models.StatusPending {
			tokens = append(tokens, cloneToken(token))
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].IssuedAt.Equal(tokens[j].IssuedAt) {
			return tokens[i].IssuedAt.Before(tokens[j].IssuedAt)
		}
		return tokens[i].ID < tokens[j].ID
	})
	return tokens, nil
}

func (s *Store) UpdateToken(ctx context.Context, tokenID string, update store.TokenUpdate) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if update.FromStatus != "" && token.Status != update.FromStatus {
		return models.Token{}, store.ErrInvalidTransition
	}
	if update.Status != nil {
		token.Status = *update.Status
	}
	if update.Position != nil {
		token.Position = *update.Position
	}
	if update.CalledAt != nil {
		token.CalledAt = store.TimePtr(*update.CalledAt)
	}
	if update.ServedAt != nil {
		token.ServedAt = store.TimePtr(*update.ServedAt)
	}
	if update.CancelledAt != nil {
		token.CancelledAt = store.TimePtr(*update.CancelledAt)
	}
	if update.MissedAt != nil {
		token.MissedAt = store.TimePtr(*update.MissedAt)
	}
	if update.CallerID != nil {
		token.CallerID = store.StringPtr(*update.CallerID)
	}
	s.tokens[tokenID] = token
	return cloneToken(token), nil
}

func (s *Store) CountTokens(ctx context.Context, queueID string, statuses ...string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, token := range s.tokens {
		if token.QueueID != queueID {
			continue
		}
		if len(statuses) == 0 || containsStatus(statuses, token.Status) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tokens []models.Token
	for _, token := range s.tokens {
		if token.Status != models.StatusCalled || token.CalledAt == nil {
			continue
		}
		if token.CalledAt.After(calledBefore) {
			continue
		}
		tokens = append(tokens, cloneToken(token))
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CalledAt.Before(*tokens[j].CalledAt)
	})
	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

// Publish records the event in the in-memory outbox, evicting the oldest
// entry once the limit is reached.
func (s *Store) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:        uuid.NewString(),
		OrganisationID: event.OrganisationID,
		Channel:        event.Channel,
		Type:           event.Type,
		Payload:        payload,
		CreatedAt:      createdAt,
	})
	s.trimOutbox()
	return nil
}

// trimOutbox drops the oldest events beyond the limit. Callers hold s.mu.
func (s *Store) trimOutbox() {
	for len(s.outbox) > s.outboxLimit {
		s.outbox[0] = store.OutboxEvent{}
		s.outbox = s.outbox[1:]
	}
}

func (s *Store) ListOutboxEvents(ctx context.Context, organisationID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.OutboxEvent
	for _, event := range s.outbox {
		if event.OrganisationID != organisationID {
			continue
		}
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func containsStatus(statuses []string, status string) bool {
	for _, item := range statuses {
		if item == status {
			return true
		}
	}
	return false
}

func cloneToken(token models.Token) models.Token {
	if token.UserID != nil {
		token.UserID = store.StringPtr(*token.UserID)
	}
	if token.CallerID != nil {
		token.CallerID = store.StringPtr(*token.CallerID)
	}
	if token.CalledAt != nil {
		token.CalledAt = store.TimePtr(*token.CalledAt)
	}
	if token.ServedAt != nil {
		token.ServedAt = store.TimePtr(*token.ServedAt)
	}
	if token.CancelledAt != nil {
		token.CancelledAt = store.TimePtr(*token.CancelledAt)
	}
	if token.MissedAt != nil {
		token.MissedAt = store.TimePtr(*token.MissedAt)
	}
	return token
}
