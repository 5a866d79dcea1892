package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qms/queue-engine/internal/store"
)

// Roles allowed to operate queues on behalf of others.
var elevatedRoles = map[string]bool{
	"STAFF":       true,
	"ADMIN":       true,
	"SUPER_ADMIN": true,
}

type authContextKey struct{}

type Principal struct {
	Session  store.Session
	Elevated bool
}

func IsElevated(role string) bool {
	return elevatedRoles[strings.ToUpper(strings.TrimSpace(role))]
}

func AuthMiddleware(sessions store.SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "storage_unavailable", "session lookup failed")
			return
		}
		principal := Principal{Session: session, Elevated: IsElevated(session.Role)}
		ctx := context.WithValue(r.Context(), authContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(authContextKey{}).(Principal)
	return principal, ok
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return Principal{}, false
	}
	return principal, true
}

func requireElevated(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return Principal{}, false
	}
	if !principal.Elevated {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "forbidden", "staff role required")
		return Principal{}, false
	}
	return principal, true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
