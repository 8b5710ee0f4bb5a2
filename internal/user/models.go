package user

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a user account.
type Status string

const (
	// StatusPending is a provisioned account that has not yet accepted
	// its invite and has no password.
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	// StatusDisabled is terminal for the auth core: a disabled user is
	// authenticatable by neither session nor SSO nor password.
	StatusDisabled Status = "disabled"
)

// User represents a principal capable of authenticating. Email is the sole
// external identifier; it is stored normalized and unique.
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	PasswordHash    string     `json:"-"`
	InviteTokenHash string     `json:"-"`
	InviteExpiresAt *time.Time `json:"-"`
	Features        []string   `json:"features"`
	Status          Status     `json:"status"`
	IsAdmin         bool       `json:"is_admin"`
	IsApprover      bool       `json:"is_approver"`
	AvatarURL       string     `json:"avatar_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

// HasPassword reports whether the account has completed invite acceptance.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// HasValidInvite reports whether an unexpired invite token is outstanding.
func (u *User) HasValidInvite(now time.Time) bool {
	if u.InviteTokenHash == "" {
		return false
	}
	return u.InviteExpiresAt == nil || u.InviteExpiresAt.After(now)
}

// NormalizeEmail lower-cases and trims an email address. All store lookups
// and writes go through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Session is a server-side record binding a hashed bearer token to a user.
// The plaintext token is never persisted.
type Session struct {
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateUserInput holds the fields required to create a new user.
type CreateUserInput struct {
	Email           string
	Name            string
	Features        []string
	Status          Status
	IsAdmin         bool
	IsApprover      bool
	InviteTokenHash string
	InviteExpiresAt *time.Time
}

// UpdateUserInput holds optional fields for a partial user update.
type UpdateUserInput struct {
	Name       *string
	Features   *[]string
	Status     *Status
	IsAdmin    *bool
	IsApprover *bool
	AvatarURL  *string
}
