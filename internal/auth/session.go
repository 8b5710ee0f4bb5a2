package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ewanhart/copydesk/internal/user"
)

const (
	// SessionCookieName carries the opaque bearer token.
	SessionCookieName = "copydesk_session"

	// LocalAuthCookieName is a short-lived override signalling "use the
	// local session only, skip SSO re-resolution". Set on login and
	// password change for environments transitioning between auth modes.
	LocalAuthCookieName = "copydesk_local_auth"

	localAuthTTL = 15 * time.Minute
)

// Sessions creates, validates and destroys server-side sessions delivered
// via cookie.
type Sessions struct {
	store SessionStore
	ttl   time.Duration
}

// NewSessions creates a session manager with the given token lifetime.
func NewSessions(store SessionStore, ttl time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl}
}

// TTL returns the configured session lifetime.
func (s *Sessions) TTL() time.Duration {
	return s.ttl
}

// Issue creates a session for userID, capturing the request's user agent and
// origin IP for audit. The returned plaintext token is shown exactly once.
func (s *Sessions) Issue(ctx context.Context, r *http.Request, userID string) (string, error) {
	token, _, err := s.store.CreateSession(ctx, userID, r.UserAgent(), RequestIP(r), s.ttl)
	if err != nil {
		return "", err
	}
	return token, nil
}

// FromRequest resolves the session cookie to a user. Absent or unknown
// cookies and expired sessions yield nil, nil; so does a valid session for a
// disabled user, which is treated as unauthenticated.
func (s *Sessions) FromRequest(r *http.Request) (*user.User, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	u, err := s.store.GetSessionUser(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Status == user.StatusDisabled {
		return nil, nil
	}
	return u, nil
}

// Destroy removes the session matching the presented cookie. Unknown or
// absent cookies are a no-op, never an error.
func (s *Sessions) Destroy(ctx context.Context, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return
	}
	if err := s.store.DeleteSession(ctx, cookie.Value); err != nil {
		slog.Warn("session delete failed", "error", err)
	}
}

// RevokeAll deletes every session for the user.
func (s *Sessions) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return s.store.DeleteSessionsForUser(ctx, userID)
}

// SetCookie writes the session cookie.
func (s *Sessions) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// SetLocalAuthCookie marks the client as preferring local session auth for
// the next fifteen minutes.
func SetLocalAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     LocalAuthCookieName,
		Value:    "1",
		Path:     "/",
		MaxAge:   int(localAuthTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearLocalAuthCookie expires the local-auth override cookie.
func ClearLocalAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     LocalAuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// hasLocalAuthCookie reports whether the override cookie is present.
func hasLocalAuthCookie(r *http.Request) bool {
	c, err := r.Cookie(LocalAuthCookieName)
	return err == nil && c.Value != ""
}

// RequestIP extracts the originating client IP: the first X-Forwarded-For
// entry when present, otherwise the connection's remote address.
func RequestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
