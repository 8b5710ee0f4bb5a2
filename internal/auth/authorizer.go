package auth

import (
	"log/slog"
	"net/http"

	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/user"
)

// Recorder receives auth outcomes for observability. Implemented by the
// metrics registry; nil disables recording.
type Recorder interface {
	IncAuthSuccess(method string)
	IncAuthFailure(reason string)
}

// Authorizer is the request-level decision procedure guarding every
// protected handler. Each step either settles the request or passes to the
// next; the first definitive outcome wins.
type Authorizer struct {
	cfg       config.AuthConfig
	bootstrap *Bootstrapper
	sessions  *Sessions
	sso       *Resolver // nil when the provider is not configured
	recorder  Recorder
}

// NewAuthorizer wires the orchestrator. sso and recorder may be nil.
func NewAuthorizer(cfg config.AuthConfig, bootstrap *Bootstrapper, sessions *Sessions, sso *Resolver, recorder Recorder) *Authorizer {
	return &Authorizer{
		cfg:       cfg,
		bootstrap: bootstrap,
		sessions:  sessions,
		sso:       sso,
		recorder:  recorder,
	}
}

// Authorize resolves the request to a principal or a denial:
//
//  1. CSRF gate on state-changing methods.
//  2. Opportunistic bootstrap (schema + default owner), never blocking.
//  3. Dev bypass, only off-deployment and with an explicit email.
//  4. Local session auth; a live session always wins over SSO.
//  5. SSO resolution, unless local-only auth is in force.
//  6. Otherwise 401.
func (a *Authorizer) Authorize(r *http.Request) Decision {
	if !CSRFOK(r) {
		return a.deny(http.StatusForbidden, "CSRF validation failed")
	}

	a.bootstrap.EnsureDefaultOwner(r.Context())

	// The bypass needs both the explicit flag and a non-deployed
	// environment; deployment signals always win.
	if a.cfg.AllowUnauthenticated && !a.cfg.Deployed {
		if a.cfg.DevUserEmail == "" {
			// Refuse to invent an identity.
			return a.deny(http.StatusUnauthorized, "dev bypass requires DEV_USER_EMAIL")
		}
		return a.allow("bypass", a.devPrincipal())
	}

	u, err := a.sessions.FromRequest(r)
	if err != nil {
		// Store errors read as "no session".
		slog.Error("session lookup failed", "error", err)
	}
	if u != nil {
		return a.allow("session", FromUser(u))
	}

	if a.sso != nil && !a.cfg.LocalAuthOnly && !hasLocalAuthCookie(r) {
		ssoUser, rejection := a.sso.Resolve(r)
		if rejection != nil {
			// An explicit SSO rejection is final; it must not degrade
			// into a generic 401.
			if a.recorder != nil {
				a.recorder.IncAuthFailure("sso_rejected")
			}
			return *rejection
		}
		if ssoUser != nil {
			return a.allow("sso", FromUser(ssoUser))
		}
	}

	return a.deny(http.StatusUnauthorized, "Unauthorized")
}

// devPrincipal builds the synthetic bypass identity purely from
// configuration, with no store lookups.
func (a *Authorizer) devPrincipal() *Principal {
	features := a.cfg.DefaultFeatures
	if a.cfg.DevUserAdmin {
		features = a.cfg.AdminFeatures
	}
	return &Principal{
		ID:         "usr_dev",
		Email:      user.NormalizeEmail(a.cfg.DevUserEmail),
		Name:       a.cfg.DevUserName,
		IsAdmin:    a.cfg.DevUserAdmin,
		IsApprover: a.cfg.DevUserAdmin,
		Status:     user.StatusActive,
		Features:   features,
	}
}

func (a *Authorizer) allow(method string, p *Principal) Decision {
	if a.recorder != nil {
		a.recorder.IncAuthSuccess(method)
	}
	return Allow(p)
}

func (a *Authorizer) deny(status int, reason string) Decision {
	if a.recorder != nil {
		a.recorder.IncAuthFailure(reason)
	}
	return Deny(status, reason)
}
