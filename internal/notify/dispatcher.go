// Package notify turns lifecycle moments into customer notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	KindTokenCreated = "token_created"
	KindTokenCalled  = "token_called"
)

type Dispatcher struct {
	provider Provider
	timeout  time.Duration
	logger   logrus.FieldLogger
}

func NewDispatcher(provider Provider, timeout time.Duration, logger logrus.FieldLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if provider == nil {
		provider = logProvider{logger: logger}
	}
	return &Dispatcher{provider: provider, timeout: timeout, logger: logger}
}

// NotifyTokenCreated tells the token owner their ticket and place in line.
// Walk-in tokens have nobody to notify.
func (d *Dispatcher) NotifyTokenCreated(ctx context.Context, token models.Token) error {
	if token.UserID == nil || *token.UserID == "" {
		return nil
	}
	return d.send(ctx, Message{
		Kind:      KindTokenCreated,
		Recipient: *token.UserID,
		TokenID:   token.ID,
		DisplayID: token.DisplayID,
		QueueID:   token.QueueID,
		Text:      renderCreated(token),
	})
}

func (d *Dispatcher) NotifyTokenCalled(ctx context.Context, token models.Token, ownerID string) error {
	if ownerID == "" {
		return nil
	}
	return d.send(ctx, Message{
		Kind:      KindTokenCalled,
		Recipient: ownerID,
		TokenID:   token.ID,
		DisplayID: token.DisplayID,
		QueueID:   token.QueueID,
		Text:      renderCalled(token),
	})
}

func (d *Dispatcher) send(ctx context.Context, message Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.provider.Send(ctx, message); err != nil {
		return fmt.Errorf("send %s to %s: %w", message.Kind, message.Recipient, err)
	}
	d.logger.WithFields(logrus.Fields{
		"kind":     message.Kind,
		"token_id": message.TokenID,
	}).Debug("notification sent")
	return nil
}

func renderCreated(token models.Token) string {
	return fmt.Sprintf("Ticket %s issued. You are number %d in line, about %d min wait.",
		token.DisplayID, token.Position, token.EstimatedWaitMinutes)
}

func renderCalled(token models.Token) string {
	return fmt.Sprintf("Ticket %s is being called. Please proceed to the counter.", token.DisplayID)
}
