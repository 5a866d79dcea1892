package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/models"
)

// TokenUpdate carries the fields a transition writes. Nil fields are left
// untouched. When FromStatus is set the update only applies if the row is
// still in that status, otherwise ErrInvalidTransition is returned.
type TokenUpdate struct {
	FromStatus  string
	Status      *string
	Position    *int
	CalledAt    *time.Time
	ServedAt    *time.Time
	CancelledAt *time.Time
	MissedAt    *time.Time
	CallerID    *string
}

// TokenStore is the persistence boundary of the engine. Each call is atomic
// for a single row; callers compose them under their own per-queue lock.
type TokenStore interface {
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error)
	CreateToken(ctx context.Context, token models.Token) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListPending(ctx context.Context, queueID string) ([]models.Token, error)
	UpdateToken(ctx context.Context, tokenID string, update TokenUpdate) (models.Token, error)
	CountTokens(ctx context.Context, queueID string, statuses ...string) (int, error)
	ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error)
}

// QueueLocker is implemented by stores that can serialize mutations of a
// queue across processes. Everything done while the lock is held goes
// through the returned TokenStore; the returned func releases the lock.
type QueueLocker interface {
	LockQueue(ctx context.Context, queueID string) (TokenStore, func(), error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type OutboxReader interface {
	ListOutboxEvents(ctx context.Context, organisationID string, after time.Time, limit int) ([]OutboxEvent, error)
}

type Session struct {
	SessionID      string
	UserID         string
	OrganisationID string
	Role           string
	ExpiresAt      time.Time
}

type OutboxEvent struct {
	EventID        string          `json:"event_id"`
	OrganisationID string          `json:"organisation_id"`
	Channel        string          `json:"channel"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

func StringPtr(value string) *string {
	return &value
}

func IntPtr(value int) *int {
	return &value
}

func TimePtr(value time.Time) *time.Time {
	return &value
}
