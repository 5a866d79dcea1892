package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Provider delivers a rendered message to one recipient.
type Provider interface {
	Send(ctx context.Context, message Message) error
}

type Message struct {
	Kind      string `json:"kind"`
	Recipient string `json:"recipient"`
	TokenID   string `json:"token_id"`
	DisplayID string `json:"display_id"`
	QueueID   string `json:"queue_id"`
	Text      string `json:"message"`
}

var ErrProviderRejected = errors.New("notification provider rejected request")

// NewProvider picks a provider by kind. A webhook without a URL falls back
// to logging so a misconfigured deployment still records what it would send.
func NewProvider(kind, url, token string, logger logrus.FieldLogger) Provider {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch strings.ToLower(kind) {
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if url == "" {
			logger.Warn("NOTIFY_WEBHOOK_URL not set, falling back to log provider")
			return logProvider{logger: logger}
		}
		return NewWebhookProvider(url, token)
	default:
		return logProvider{logger: logger}
	}
}

type logProvider struct {
	logger logrus.FieldLogger
}

func (p logProvider) Send(ctx context.Context, message Message) error {
	p.logger.WithFields(logrus.Fields{
		"kind":       message.Kind,
		"recipient":  message.Recipient,
		"token_id":   message.TokenID,
		"display_id": message.DisplayID,
	}).Info(message.Text)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, message Message) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, message Message) error {
	return errors.New("provider failure")
}

type WebhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookProvider(url, token string) *WebhookProvider {
	return &WebhookProvider{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *WebhookProvider) Send(ctx context.Context, message Message) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	}
	return nil
}
