package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ewanhart/copydesk/internal/auth"
	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/crypto"
	"github.com/ewanhart/copydesk/internal/ratelimit"
	"github.com/ewanhart/copydesk/internal/user"
)

// userStore is the slice of user.Store the handlers depend on.
type userStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	GetByInviteTokenHash(ctx context.Context, hash string) (*user.User, error)
	List(ctx context.Context) ([]*user.User, error)
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	Update(ctx context.Context, id string, in user.UpdateUserInput) (*user.User, error)
	SetPassword(ctx context.Context, id string, passwordHash string) error
	SetInviteToken(ctx context.Context, id string, tokenHash string, expiresAt time.Time) error
	SetStatus(ctx context.Context, id string, status user.Status) error
	TouchLastLogin(ctx context.Context, id string) error
}

// lifecycleRecorder counts session and invite events. Implemented by the
// metrics registry; nil disables recording.
type lifecycleRecorder interface {
	IncRateLimitRejection(scope string)
	IncSessionIssued()
	AddSessionsRevoked(n int64)
	IncInviteIssued()
}

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	users    userStore
	sessions *auth.Sessions
	limiter  *ratelimit.Limiter
	rl       config.RateLimitConfig
	recorder lifecycleRecorder
}

func newAuthHandler(users userStore, sessions *auth.Sessions, limiter *ratelimit.Limiter, rl config.RateLimitConfig, recorder lifecycleRecorder) *authHandler {
	return &authHandler{
		users:    users,
		sessions: sessions,
		limiter:  limiter,
		rl:       rl,
		recorder: recorder,
	}
}

// Login handles POST /api/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	key := "login:" + auth.RequestIP(r)
	res := h.limiter.Check(r.Context(), key, h.rl.LoginLimit, h.rl.LoginWindow)
	h.limiter.MaybeCleanup(h.rl.MaxEntryAge)
	if !res.Allowed {
		if h.recorder != nil {
			h.recorder.IncRateLimitRejection("login")
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts, please try again later")
		return
	}

	u, err := h.users.GetByEmail(r.Context(), user.NormalizeEmail(req.Email))
	if err != nil {
		slog.Error("login lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to look up user")
		return
	}

	// Unknown email, pending account and wrong password are deliberately
	// indistinguishable to the caller.
	if u == nil || !u.HasPassword() || u.Status != user.StatusActive {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}
	if !crypto.VerifyPassword(req.Password, u.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	// A successful login forgets earlier failures instead of letting them
	// accumulate toward a later lockout.
	h.limiter.Reset(r.Context(), key)

	if err := h.users.TouchLastLogin(r.Context(), u.ID); err != nil {
		slog.Error("recording last login failed", "user_id", u.ID, "error", err)
	}

	h.issueSession(w, r, u, http.StatusOK)
	auditLog(r, "auth.login", "user", u.ID, "email", u.Email)
}

// Logout handles POST /api/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Destroy(r.Context(), r)
	h.sessions.ClearCookie(w)
	auth.ClearLocalAuthCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": p})
}

// AcceptInvite handles POST /api/auth/accept-invite. The caller exchanges a
// one-time invite token for a password and a live session.
func (h *authHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token" validate:"required"`
		Password string `json:"password" validate:"required,min=8,max=128"`
		Name     string `json:"name" validate:"omitempty,max=200"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	key := "invite:" + auth.RequestIP(r)
	res := h.limiter.Check(r.Context(), key, h.rl.InviteLimit, h.rl.InviteWindow)
	h.limiter.MaybeCleanup(h.rl.MaxEntryAge)
	if !res.Allowed {
		if h.recorder != nil {
			h.recorder.IncRateLimitRejection("invite")
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, please try again later")
		return
	}

	u, err := h.users.GetByInviteTokenHash(r.Context(), crypto.HashToken(req.Token))
	if err != nil {
		slog.Error("invite lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to look up invite")
		return
	}
	if u == nil || !u.HasValidInvite(time.Now()) || u.Status == user.StatusDisabled {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired invite")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set password")
		return
	}
	if err := h.users.SetPassword(r.Context(), u.ID, hash); err != nil {
		slog.Error("setting password failed", "user_id", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set password")
		return
	}
	if req.Name != "" {
		if _, err := h.users.Update(r.Context(), u.ID, user.UpdateUserInput{Name: &req.Name}); err != nil {
			slog.Error("updating name failed", "user_id", u.ID, "error", err)
		}
	}

	h.revokeAll(r.Context(), u.ID)
	h.limiter.Reset(r.Context(), key)

	// Re-read so the response reflects the activated account.
	if fresh, err := h.users.GetByID(r.Context(), u.ID); err == nil && fresh != nil {
		u = fresh
	}

	h.issueSession(w, r, u, http.StatusOK)
	auditLog(r, "auth.accept_invite", "user", u.ID, "email", u.Email)
}

// ChangePassword handles POST /api/auth/change-password. Requires an
// authenticated principal; every session except the replacement is revoked.
func (h *authHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password" validate:"required"`
		NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	u, err := h.users.GetByID(r.Context(), p.ID)
	if err != nil || u == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to look up user")
		return
	}
	if !crypto.VerifyPassword(req.CurrentPassword, u.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "current password is incorrect")
		return
	}

	hash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set password")
		return
	}
	if err := h.users.SetPassword(r.Context(), u.ID, hash); err != nil {
		slog.Error("setting password failed", "user_id", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set password")
		return
	}

	h.revokeAll(r.Context(), u.ID)
	h.issueSession(w, r, u, http.StatusOK)
	auditLog(r, "auth.change_password", "user", u.ID)
}

// issueSession creates a session for u, sets the cookies and writes the user
// payload.
func (h *authHandler) issueSession(w http.ResponseWriter, r *http.Request, u *user.User, status int) {
	token, err := h.sessions.Issue(r.Context(), r, u.ID)
	if err != nil {
		slog.Error("session creation failed", "user_id", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	if h.recorder != nil {
		h.recorder.IncSessionIssued()
	}
	h.sessions.SetCookie(w, token)
	auth.SetLocalAuthCookie(w)
	writeJSON(w, status, map[string]interface{}{"user": u})
}

// revokeAll drops every live session for the user. Best effort: a failure is
// logged, not surfaced, since the password change itself already landed.
func (h *authHandler) revokeAll(ctx context.Context, userID string) {
	n, err := h.sessions.RevokeAll(ctx, userID)
	if err != nil {
		slog.Error("revoking sessions failed", "user_id", userID, "error", err)
		return
	}
	if h.recorder != nil {
		h.recorder.AddSessionsRevoked(n)
	}
}
