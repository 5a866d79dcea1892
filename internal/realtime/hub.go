// Package realtime fans engine events out to subscribed SockJS clients.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"qms/queue-engine/internal/events"

	"github.com/sirupsen/logrus"
)

type Client struct {
	ID             string
	OrganisationID string
	Send           chan []byte

	channels map[string]struct{}
}

func NewClient(id, organisationID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		ID:             id,
		OrganisationID: organisationID,
		Send:           make(chan []byte, buffer),
		channels:       make(map[string]struct{}),
	}
}

// Envelope is what clients receive for every event.
type Envelope struct {
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type Command struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  logrus.FieldLogger
}

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.channels[channel] = struct{}{}
}

func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channel == "" {
		clear(client.channels)
		return
	}
	delete(client.channels, channel)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers the event to every client subscribed to its channel.
// Clients whose buffers are full miss the message.
func (h *Hub) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(Envelope{
		Channel:   event.Channel,
		Type:      event.Type,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if _, ok := client.channels[event.Channel]; !ok {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.WithFields(logrus.Fields{
				"client_id": client.ID,
				"channel":   event.Channel,
			}).Warn("drop message for slow client")
		}
	}
	return nil
}

// ParseCommand accepts subscribe and unsubscribe commands on the known
// channel families. Unsubscribe with an empty channel drops everything.
func ParseCommand(data []byte) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, false
	}
	cmd.Channel = strings.TrimSpace(cmd.Channel)
	switch cmd.Action {
	case "subscribe":
		return cmd, validChannel(cmd.Channel)
	case "unsubscribe":
		return cmd, cmd.Channel == "" || validChannel(cmd.Channel)
	default:
		return Command{}, false
	}
}

func validChannel(channel string) bool {
	for _, prefix := range []string{events.QueueChannel(""), events.OrgChannel(""), events.TokenChannel("")} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

// allowed reports whether a session of organisationID may listen on channel.
// Organisation channels are private to that organisation; queue and token
// channels are addressed by opaque ids.
func allowed(channel, organisationID string) bool {
	prefix := events.OrgChannel("")
	if strings.HasPrefix(channel, prefix) {
		return organisationID != "" && strings.TrimPrefix(channel, prefix) == organisationID
	}
	return true
}
