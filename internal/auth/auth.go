package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/ewanhart/copydesk/internal/user"
)

// Principal is the resolved identity attached to an authorized request.
type Principal struct {
	ID         string      `json:"id"`
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	IsAdmin    bool        `json:"is_admin"`
	IsApprover bool        `json:"is_approver"`
	Status     user.Status `json:"status"`
	Features   []string    `json:"features"`
	AvatarURL  string      `json:"avatar_url,omitempty"`
}

// FromUser builds a Principal from a user record.
func FromUser(u *user.User) *Principal {
	return &Principal{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		IsAdmin:    u.IsAdmin,
		IsApprover: u.IsApprover,
		Status:     u.Status,
		Features:   u.Features,
		AvatarURL:  u.AvatarURL,
	}
}

// Decision is the single authoritative outcome of one authorization pass:
// either a principal, or an HTTP status with a short stable reason.
type Decision struct {
	Principal *Principal
	Status    int
	Reason    string
}

// Allow wraps a principal in a successful decision.
func Allow(p *Principal) Decision {
	return Decision{Principal: p, Status: http.StatusOK}
}

// Deny produces a failed decision with the given status and reason.
func Deny(status int, reason string) Decision {
	return Decision{Status: status, Reason: reason}
}

// OK reports whether the decision carries a resolved principal.
func (d Decision) OK() bool {
	return d.Principal != nil
}

// UserDirectory is the slice of the user store the auth core reads and
// provisions principals through.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	Update(ctx context.Context, id string, in user.UpdateUserInput) (*user.User, error)
	SetInviteToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
}

// SessionStore is the slice of the user store that manages session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, userAgent, ip string, ttl time.Duration) (string, *user.Session, error)
	GetSessionUser(ctx context.Context, token string) (*user.User, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteSessionsForUser(ctx context.Context, userID string) (int64, error)
}

// SchemaEnsurer applies create-if-absent schema statements.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

type contextKey int

const principalContextKey contextKey = iota

// ContextWithPrincipal returns a new context carrying the given principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the principal from the context, or nil if
// not present.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// CSRF contract: state-changing requests must carry a fixed custom header.
// Custom headers force a CORS preflight, which a cross-origin attacker
// cannot complete, so presence of the header is the whole check.
const (
	CSRFHeader      = "X-Requested-With"
	CSRFHeaderValue = "XMLHttpRequest"
)

// CSRFOK reports whether the request passes the CSRF gate. Safe methods are
// exempt.
func CSRFOK(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return r.Header.Get(CSRFHeader) == CSRFHeaderValue
}
