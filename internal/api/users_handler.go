package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ewanhart/copydesk/internal/auth"
	"github.com/ewanhart/copydesk/internal/crypto"
	"github.com/ewanhart/copydesk/internal/user"
	"github.com/go-chi/chi/v5"
)

// usersHandler groups user management HTTP handlers (admin only).
type usersHandler struct {
	users     userStore
	sessions  *auth.Sessions
	inviteTTL time.Duration
	defaults  []string // feature set for invites that name none
	recorder  lifecycleRecorder
}

func newUsersHandler(users userStore, sessions *auth.Sessions, inviteTTL time.Duration, defaults []string, recorder lifecycleRecorder) *usersHandler {
	return &usersHandler{
		users:     users,
		sessions:  sessions,
		inviteTTL: inviteTTL,
		defaults:  defaults,
		recorder:  recorder,
	}
}

// ListUsers handles GET /api/admin/users.
func (h *usersHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// InviteUser handles POST /api/admin/users/invite. Creates a pending account
// and returns the plaintext invite token exactly once; only its digest is
// stored.
func (h *usersHandler) InviteUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string   `json:"email" validate:"required,email"`
		Name       string   `json:"name" validate:"omitempty,max=200"`
		Features   []string `json:"features"`
		IsAdmin    bool     `json:"is_admin"`
		IsApprover bool     `json:"is_approver"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	token, err := crypto.GenerateToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate invite token")
		return
	}

	features := req.Features
	if len(features) == 0 {
		features = h.defaults
	}
	expires := time.Now().Add(h.inviteTTL)

	u, err := h.users.Create(r.Context(), user.CreateUserInput{
		Email:           user.NormalizeEmail(req.Email),
		Name:            req.Name,
		Features:        features,
		Status:          user.StatusPending,
		IsAdmin:         req.IsAdmin,
		IsApprover:      req.IsApprover,
		InviteTokenHash: crypto.HashToken(token),
		InviteExpiresAt: &expires,
	})
	if err != nil {
		if errors.Is(err, user.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "conflict", "a user with that email already exists")
			return
		}
		slog.Error("creating user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create user")
		return
	}

	if h.recorder != nil {
		h.recorder.IncInviteIssued()
	}
	auditLog(r, "admin.invite_user", "user", u.ID, "email", u.Email)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":         u,
		"invite_token": token,
	})
}

// DisableUser handles POST /api/admin/users/{id}/disable. Disabling also
// revokes every live session so the lockout is immediate.
func (h *usersHandler) DisableUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if p := auth.PrincipalFromContext(r.Context()); p != nil && p.ID == id {
		writeError(w, http.StatusConflict, "conflict", "cannot disable your own account")
		return
	}

	u, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get user")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	if err := h.users.SetStatus(r.Context(), id, user.StatusDisabled); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to disable user")
		return
	}

	n, err := h.sessions.RevokeAll(r.Context(), id)
	if err != nil {
		slog.Error("revoking sessions failed", "user_id", id, "error", err)
	} else if h.recorder != nil {
		h.recorder.AddSessionsRevoked(n)
	}

	auditLog(r, "admin.disable_user", "user", id, "email", u.Email)
	w.WriteHeader(http.StatusNoContent)
}

// EnableUser handles POST /api/admin/users/{id}/enable. A re-enabled account
// returns to active if it has a password, otherwise back to pending.
func (h *usersHandler) EnableUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get user")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	status := user.StatusPending
	if u.HasPassword() {
		status = user.StatusActive
	}
	if err := h.users.SetStatus(r.Context(), id, status); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to enable user")
		return
	}

	auditLog(r, "admin.enable_user", "user", id, "email", u.Email, "status", status)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateUser handles PATCH /api/admin/users/{id}.
func (h *usersHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Name       *string      `json:"name" validate:"omitempty,max=200"`
		Features   *[]string    `json:"features"`
		Status     *user.Status `json:"status" validate:"omitempty,oneof=pending active disabled"`
		IsAdmin    *bool        `json:"is_admin"`
		IsApprover *bool        `json:"is_approver"`
		AvatarURL  *string      `json:"avatar_url" validate:"omitempty,max=500"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	existing, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get user")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}

	u, err := h.users.Update(r.Context(), id, user.UpdateUserInput{
		Name:       req.Name,
		Features:   req.Features,
		Status:     req.Status,
		IsAdmin:    req.IsAdmin,
		IsApprover: req.IsApprover,
		AvatarURL:  req.AvatarURL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update user")
		return
	}

	// Disabling through a patch carries the same session consequences as the
	// dedicated endpoint.
	if req.Status != nil && *req.Status == user.StatusDisabled {
		n, err := h.sessions.RevokeAll(r.Context(), id)
		if err != nil {
			slog.Error("revoking sessions failed", "user_id", id, "error", err)
		} else if h.recorder != nil {
			h.recorder.AddSessionsRevoked(n)
		}
	}

	auditLog(r, "admin.update_user", "user", id)
	writeJSON(w, http.StatusOK, u)
}
