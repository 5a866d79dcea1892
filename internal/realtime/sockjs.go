package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/sirupsen/logrus"
)

const Prefix = "/realtime"

// Close codes sent to clients before the server ends a session.
const (
	closeMissingSession = 4001
	closeInvalidSession = 4002
	closeAccessDenied   = 4003
	closeLookupFailed   = 4004
)

// NewHandler serves the SockJS endpoint. Clients authenticate with a session
// id and then send subscribe/unsubscribe commands for event channels.
func NewHandler(hub *Hub, sessions store.SessionStore, logger logrus.FieldLogger) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return sockjs.NewHandler(Prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		serveSession(hub, sessions, logger, session)
	})
}

func serveSession(hub *Hub, sessions store.SessionStore, logger logrus.FieldLogger, session sockjs.Session) {
	sessionID := sessionIDFromRequest(session.Request())
	if sessionID == "" {
		_ = session.Close(closeMissingSession, "missing session")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	authSession, err := sessions.GetSession(ctx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			_ = session.Close(closeInvalidSession, "invalid session")
			return
		}
		logger.WithError(err).Error("realtime session lookup failed")
		_ = session.Close(closeLookupFailed, "session lookup failed")
		return
	}

	client := NewClient(uuid.NewString(), authSession.OrganisationID, 16)
	hub.Register(client)
	defer hub.Unregister(client)

	log := logger.WithFields(logrus.Fields{
		"client_id": client.ID,
		"user_id":   authSession.UserID,
	})
	log.Debug("realtime client connected")

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			log.Debug("realtime client disconnected")
			return
		}
		cmd, ok := ParseCommand([]byte(msg))
		if !ok {
			continue
		}
		if cmd.Action == "unsubscribe" {
			hub.Unsubscribe(client, cmd.Channel)
			continue
		}
		if !allowed(cmd.Channel, authSession.OrganisationID) {
			_ = session.Close(closeAccessDenied, "access denied")
			return
		}
		hub.Subscribe(client, cmd.Channel)
	}
}

// Browsers cannot set headers on SockJS transports, so the session id may
// also come from the query string.
func sessionIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
