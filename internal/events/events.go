// Package events carries token lifecycle notifications from the engine to
// whatever real-time transport is listening.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	TypeTokenAdded     = "token-added"
	TypeTokenCalled    = "token-called"
	TypeTokenServed    = "token-served"
	TypeTokenCancelled = "token-cancelled"
	TypeTokenMissed    = "token-missed"
	TypePositionUpdate = "position-update"
	TypeQueuePaused    = "queue-paused"
	TypeQueueResumed   = "queue-resumed"
)

type Event struct {
	Channel        string    `json:"channel"`
	Type           string    `json:"type"`
	OrganisationID string    `json:"organisation_id,omitempty"`
	Payload        any       `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

type PositionUpdate struct {
	TokenID              string `json:"token_id"`
	DisplayID            string `json:"display_id"`
	QueueID              string `json:"queue_id"`
	Position             int    `json:"position"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type Sink interface {
	Publish(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Multi publishes every event to each sink, even when an earlier one fails.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func QueueChannel(queueID string) string {
	return "queue:" + queueID
}

func OrgChannel(organisationID string) string {
	return "org:" + organisationID
}

func TokenChannel(tokenID string) string {
	return "token:" + tokenID
}
