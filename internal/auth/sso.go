package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/user"
)

// AssertionHeader carries the identity assertion forwarded by the SSO
// front door.
const AssertionHeader = "X-Auth-Assertion"

// Service-credential headers sent on the identity lookup.
const (
	clientIDHeader     = "X-SSO-Client-Id"
	clientSecretHeader = "X-SSO-Client-Secret"
)

// emailPaths and namePaths are the ordered candidate locations for the
// identity fields across known provider response shapes. The first
// non-empty match wins.
var (
	emailPaths = [][]string{
		{"email"},
		{"user", "email"},
		{"identity", "email"},
		{"data", "email"},
	}
	namePaths = [][]string{
		{"name"},
		{"user", "name"},
		{"identity", "name"},
		{"given_name"},
	}
)

// Resolver validates an externally-asserted identity header against the
// configured identity provider and maps it to a local user record.
type Resolver struct {
	cfg    config.AuthConfig
	users  UserDirectory
	client *http.Client
}

// NewResolver creates an SSO resolver. The outbound identity lookup is
// bounded by cfg.SSOTimeout.
func NewResolver(cfg config.AuthConfig, users UserDirectory) *Resolver {
	return &Resolver{
		cfg:    cfg,
		users:  users,
		client: &http.Client{Timeout: cfg.SSOTimeout},
	}
}

// Resolve inspects the request for an identity assertion and resolves it to
// a local user. Three outcomes:
//
//   - (user, nil): identity resolved and permitted.
//   - (nil, non-nil): identity explicitly rejected; the decision is final
//     and must not fall through to later auth methods.
//   - (nil, nil): no identity resolved; the caller falls through.
//
// Provider unreachability and malformed responses degrade to "no identity",
// never to an error surfaced to the client.
func (rs *Resolver) Resolve(r *http.Request) (*user.User, *Decision) {
	if !rs.cfg.SSOConfigured() {
		return nil, nil
	}

	assertion := r.Header.Get(AssertionHeader)
	if assertion == "" {
		return nil, nil
	}

	identity, err := rs.fetchIdentity(r, assertion)
	if err != nil {
		slog.Warn("sso identity lookup failed", "error", err)
		return nil, nil
	}

	email := user.NormalizeEmail(firstMatch(identity, emailPaths))
	if email == "" || !strings.Contains(email, "@") {
		slog.Warn("sso identity response carried no usable email")
		return nil, nil
	}

	if len(rs.cfg.SSOAllowedEmails) > 0 && !containsEmail(rs.cfg.SSOAllowedEmails, email) {
		// Explicit rejection, not fall-through: an identity outside the
		// allow-list must not silently try other auth methods.
		d := Deny(http.StatusForbidden, "Forbidden")
		return nil, &d
	}

	u, err := rs.users.GetByEmail(r.Context(), email)
	if err != nil {
		slog.Error("sso user lookup failed", "email", email, "error", err)
		return nil, nil
	}

	if u == nil {
		if !rs.cfg.SSOAutoProvision {
			return nil, nil
		}
		u, err = rs.provision(r, email, firstMatch(identity, namePaths))
		if err != nil {
			slog.Error("sso auto-provision failed", "email", email, "error", err)
			return nil, nil
		}
	}

	if u.Status == user.StatusDisabled {
		d := Deny(http.StatusForbidden, "Forbidden")
		return nil, &d
	}

	return u, nil
}

// fetchIdentity calls the provider's identity endpoint with service
// credentials plus the forwarded assertion.
func (rs *Resolver) fetchIdentity(r *http.Request, assertion string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rs.identityURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("building identity request: %w", err)
	}
	req.Header.Set(clientIDHeader, rs.cfg.SSOClientID)
	req.Header.Set(clientSecretHeader, rs.cfg.SSOClientSecret)
	req.Header.Set(AssertionHeader, assertion)

	resp, err := rs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling identity endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("identity endpoint returned %d", resp.StatusCode)
	}

	var identity map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("decoding identity response: %w", err)
	}
	return identity, nil
}

func (rs *Resolver) identityURL() string {
	domain := rs.cfg.SSOTeamDomain
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return strings.TrimSuffix(domain, "/") + "/api/v1/identity"
}

// provision creates a local record for a provider-asserted identity.
func (rs *Resolver) provision(r *http.Request, email, name string) (*user.User, error) {
	isAdmin := containsEmail(rs.cfg.AdminEmails, email)
	features := rs.cfg.DefaultFeatures
	if isAdmin {
		features = rs.cfg.AdminFeatures
	}
	if name == "" {
		name = email
	}

	u, err := rs.users.Create(r.Context(), user.CreateUserInput{
		Email:      email,
		Name:       name,
		Features:   features,
		Status:     user.StatusActive,
		IsAdmin:    isAdmin,
		IsApprover: isAdmin,
	})
	if err == user.ErrDuplicateEmail {
		// Lost a provisioning race with a concurrent request; the winner's
		// row is the one we want.
		return rs.users.GetByEmail(r.Context(), email)
	}
	return u, err
}

// firstMatch walks the candidate paths in priority order and returns the
// first non-empty string value.
func firstMatch(m map[string]any, paths [][]string) string {
	for _, path := range paths {
		if v := lookupPath(m, path); v != "" {
			return v
		}
	}
	return ""
}

func lookupPath(m map[string]any, path []string) string {
	current := any(m)
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = obj[key]
	}
	s, _ := current.(string)
	return strings.TrimSpace(s)
}

func containsEmail(list []string, email string) bool {
	for _, candidate := range list {
		if user.NormalizeEmail(candidate) == email {
			return true
		}
	}
	return false
}
