package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ewanhart/copydesk/internal/auth"
	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/crypto"
	"github.com/ewanhart/copydesk/internal/ratelimit"
	"github.com/ewanhart/copydesk/internal/user"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeStore is an in-memory user and session store. It satisfies the handler
// userStore interface plus the auth package interfaces, so one fake backs
// the whole router.
type fakeStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]*user.User
	sessions map[string]*user.Session // keyed by plaintext token
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*user.User),
		sessions: make(map[string]*user.Session),
	}
}

func (f *fakeStore) addUser(u *user.User) *user.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if u.ID == "" {
		u.ID = fmt.Sprintf("usr_%d", f.seq)
	}
	if u.Features == nil {
		u.Features = []string{}
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	f.users[u.ID] = u
	return u
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], nil
}

func (f *fakeStore) GetByEmail(_ context.Context, email string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == user.NormalizeEmail(email) {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetByInviteTokenHash(_ context.Context, hash string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.InviteTokenHash != "" && u.InviteTokenHash == hash {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) List(_ context.Context) ([]*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*user.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) Create(_ context.Context, in user.CreateUserInput) (*user.User, error) {
	f.mu.Lock()
	for _, u := range f.users {
		if u.Email == in.Email {
			f.mu.Unlock()
			return nil, user.ErrDuplicateEmail
		}
	}
	f.mu.Unlock()
	return f.addUser(&user.User{
		Email:           in.Email,
		Name:            in.Name,
		Features:        in.Features,
		Status:          in.Status,
		IsAdmin:         in.IsAdmin,
		IsApprover:      in.IsApprover,
		InviteTokenHash: in.InviteTokenHash,
		InviteExpiresAt: in.InviteExpiresAt,
	}), nil
}

func (f *fakeStore) Update(_ context.Context, id string, in user.UpdateUserInput) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("updating user: no rows")
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Features != nil {
		u.Features = *in.Features
	}
	if in.Status != nil {
		u.Status = *in.Status
	}
	if in.IsAdmin != nil {
		u.IsAdmin = *in.IsAdmin
	}
	if in.IsApprover != nil {
		u.IsApprover = *in.IsApprover
	}
	if in.AvatarURL != nil {
		u.AvatarURL = *in.AvatarURL
	}
	u.UpdatedAt = time.Now()
	return u, nil
}

func (f *fakeStore) SetPassword(_ context.Context, id string, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.PasswordHash = passwordHash
		u.InviteTokenHash = ""
		u.InviteExpiresAt = nil
		u.Status = user.StatusActive
	}
	return nil
}

func (f *fakeStore) SetInviteToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.InviteTokenHash = tokenHash
		u.InviteExpiresAt = &expiresAt
	}
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, id string, status user.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		u.Status = status
	}
	return nil
}

func (f *fakeStore) TouchLastLogin(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (f *fakeStore) CreateSession(_ context.Context, userID, userAgent, ip string, ttl time.Duration) (string, *user.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	token := fmt.Sprintf("tok-%d", f.seq)
	s := &user.Session{
		TokenHash: crypto.HashToken(token),
		UserID:    userID,
		UserAgent: userAgent,
		IP:        ip,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	f.sessions[token] = s
	return token, s, nil
}

func (f *fakeStore) GetSessionUser(_ context.Context, token string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[token]
	if !ok {
		return nil, nil
	}
	if s.ExpiresAt.Before(time.Now()) {
		delete(f.sessions, token)
		return nil, nil
	}
	return f.users[s.UserID], nil
}

func (f *fakeStore) DeleteSession(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

func (f *fakeStore) DeleteSessionsForUser(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for t, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, t)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) EnsureSchema(_ context.Context) error { return nil }

func (f *fakeStore) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// memLimitStore is an in-memory ratelimit.Store.
type memLimitStore struct {
	mu      sync.Mutex
	entries map[string]*ratelimit.Entry
}

func newMemLimitStore() *memLimitStore {
	return &memLimitStore{entries: make(map[string]*ratelimit.Entry)}
}

func (m *memLimitStore) Get(_ context.Context, key string) (*ratelimit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memLimitStore) Upsert(_ context.Context, e *ratelimit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.Key] = &cp
	return nil
}

func (m *memLimitStore) Increment(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.Count++
	}
	return nil
}

func (m *memLimitStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memLimitStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.WindowStart.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Router setup
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			LoginLimit:   5,
			LoginWindow:  15 * time.Minute,
			InviteLimit:  5,
			InviteWindow: 15 * time.Minute,
			MaxEntryAge:  24 * time.Hour,
		},
		Auth: config.AuthConfig{
			SessionTTLSeconds: 604800,
			InviteTTLHours:    72,
			AdminFeatures:     []string{"entries", "ideas", "admin"},
			DefaultFeatures:   []string{"entries", "ideas"},
		},
	}
}

func newTestRouter(store *fakeStore) http.Handler {
	cfg := testConfig()
	sessions := auth.NewSessions(store, cfg.Auth.SessionTTL())
	bootstrap := auth.NewBootstrapper(cfg.Auth, store, nil, store)
	authorizer := auth.NewAuthorizer(cfg.Auth, bootstrap, sessions, nil, nil)
	limiter := ratelimit.New(newMemLimitStore(), false)
	return NewRouter(RouterDeps{
		Users:      store,
		Sessions:   sessions,
		Authorizer: authorizer,
		Limiter:    limiter,
		Config:     cfg,
	})
}

// doJSON performs a request with a JSON body. State-changing methods get the
// CSRF header automatically.
func doJSON(h http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet && method != http.MethodHead {
		r.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	for _, c := range cookies {
		r.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	return nil
}

// addActiveUser creates an active user with the given password.
func addActiveUser(t *testing.T, store *fakeStore, email, password string, admin bool) *user.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	return store.addUser(&user.User{
		Email:        email,
		Name:         "Test User",
		PasswordHash: hash,
		Status:       user.StatusActive,
		IsAdmin:      admin,
		IsApprover:   admin,
		Features:     []string{"entries"},
	})
}

// loginCookie creates a session for u directly and returns its cookie.
func loginCookie(t *testing.T, store *fakeStore, u *user.User) *http.Cookie {
	t.Helper()
	token, _, err := store.CreateSession(context.Background(), u.ID, "test", "127.0.0.1", time.Hour)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return &http.Cookie{Name: auth.SessionCookieName, Value: token}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return body.Error.Code
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	store := newFakeStore()
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	// No pool wired in tests.
	if body["database"] != "unavailable" {
		t.Errorf("expected database=unavailable, got %q", body["database"])
	}
}

func TestHealth_DatabaseConnected(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(&fakePinger{})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["database"] != "connected" {
		t.Errorf("expected database=connected, got %q", body["database"])
	}
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	store := newFakeStore()
	u := addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/login",
		`{"email":"Alex@Example.com","password":"correct horse battery"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatal("expected a session cookie")
	}
	if !cookie.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}

	var body struct {
		User *user.User `json:"user"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.User == nil || body.User.ID != u.ID {
		t.Errorf("expected user payload for %s, got %+v", u.ID, body.User)
	}
	if u.LastLoginAt == nil {
		t.Error("expected last login to be recorded")
	}

	// Local-auth override cookie rides along.
	foundLocal := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.LocalAuthCookieName {
			foundLocal = true
		}
	}
	if !foundLocal {
		t.Error("expected local-auth cookie on login")
	}

	// The cookie resolves on a protected route.
	me := doJSON(h, http.MethodGet, "/api/auth/me", "", cookie)
	if me.Code != http.StatusOK {
		t.Errorf("expected 200 from /api/auth/me, got %d", me.Code)
	}
}

func TestLogin_UniformRejection(t *testing.T) {
	store := newFakeStore()
	addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	store.addUser(&user.User{Email: "pending@example.com", Status: user.StatusPending})
	h := newTestRouter(store)

	cases := []struct {
		name string
		body string
	}{
		{"unknown email", `{"email":"nobody@example.com","password":"whatever1"}`},
		{"wrong password", `{"email":"alex@example.com","password":"not the password"}`},
		{"pending account", `{"email":"pending@example.com","password":"whatever1"}`},
	}
	var messages []string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(h, http.MethodPost, "/api/auth/login", tc.body)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			messages = append(messages, rec.Body.String())
		})
	}
	// Identical bodies: nothing distinguishes an unknown email from a bad
	// password.
	for i := 1; i < len(messages); i++ {
		if messages[i] != messages[0] {
			t.Errorf("rejection bodies differ: %q vs %q", messages[0], messages[i])
		}
	}
}

func TestLogin_DisabledUser(t *testing.T) {
	store := newFakeStore()
	u := addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	u.Status = user.StatusDisabled
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/login",
		`{"email":"alex@example.com","password":"correct horse battery"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for disabled user, got %d", rec.Code)
	}
}

func TestLogin_ValidationErrors(t *testing.T) {
	h := newTestRouter(newFakeStore())

	cases := []struct {
		name string
		body string
	}{
		{"missing email", `{"password":"x"}`},
		{"bad email", `{"email":"not-an-email","password":"x"}`},
		{"missing password", `{"email":"a@example.com"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(h, http.MethodPost, "/api/auth/login", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if code := errorCode(t, rec); code != "validation_error" {
				t.Errorf("expected validation_error, got %q", code)
			}
		})
	}
}

func TestLogin_RequiresCSRFHeader(t *testing.T) {
	h := newTestRouter(newFakeStore())

	r := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"a@example.com","password":"x"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 without CSRF header, got %d", rec.Code)
	}
}

func TestLogin_RateLimit(t *testing.T) {
	store := newFakeStore()
	addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	h := newTestRouter(store)

	bad := `{"email":"alex@example.com","password":"wrong password"}`
	for i := 0; i < 5; i++ {
		rec := doJSON(h, http.MethodPost, "/api/auth/login", bad)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	// Sixth attempt hits the window limit, even with correct credentials.
	rec := doJSON(h, http.MethodPost, "/api/auth/login",
		`{"email":"alex@example.com","password":"correct horse battery"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "rate_limited" {
		t.Errorf("expected rate_limited, got %q", code)
	}
}

func TestLogin_SuccessResetsLimit(t *testing.T) {
	store := newFakeStore()
	addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	h := newTestRouter(store)

	bad := `{"email":"alex@example.com","password":"wrong password"}`
	good := `{"email":"alex@example.com","password":"correct horse battery"}`

	for i := 0; i < 3; i++ {
		doJSON(h, http.MethodPost, "/api/auth/login", bad)
	}
	if rec := doJSON(h, http.MethodPost, "/api/auth/login", good); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// The counter restarted; four more misses stay under the limit.
	for i := 0; i < 4; i++ {
		rec := doJSON(h, http.MethodPost, "/api/auth/login", bad)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d after reset: expected 401, got %d", i+1, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Logout and me
// ---------------------------------------------------------------------------

func TestLogout(t *testing.T) {
	store := newFakeStore()
	u := addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	cookie := loginCookie(t, store, u)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/logout", "", cookie)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if store.sessionCount() != 0 {
		t.Error("expected session row to be deleted")
	}

	// The old cookie is dead.
	me := doJSON(h, http.MethodGet, "/api/auth/me", "", cookie)
	if me.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", me.Code)
	}
}

func TestLogout_NoCookie(t *testing.T) {
	h := newTestRouter(newFakeStore())

	// Logout without a session is a no-op, never an error.
	rec := doJSON(h, http.MethodPost, "/api/auth/logout", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Error("expected a clearing session cookie in the response")
	}
}

func TestLogout_ExpiredSession(t *testing.T) {
	store := newFakeStore()
	u := addActiveUser(t, store, "alex@example.com", "correct horse battery", false)
	token, _, err := store.CreateSession(context.Background(), u.ID, "test", "127.0.0.1", -time.Minute)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	h := newTestRouter(store)

	// A client whose session already expired can still clear its cookies.
	cookie := &http.Cookie{Name: auth.SessionCookieName, Value: token}
	rec := doJSON(h, http.MethodPost, "/api/auth/logout", "", cookie)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestMe_Unauthenticated(t *testing.T) {
	h := newTestRouter(newFakeStore())

	rec := doJSON(h, http.MethodGet, "/api/auth/me", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Invite acceptance
// ---------------------------------------------------------------------------

func addInvitedUser(store *fakeStore, email, token string, expires time.Time) *user.User {
	return store.addUser(&user.User{
		Email:           email,
		Status:          user.StatusPending,
		InviteTokenHash: crypto.HashToken(token),
		InviteExpiresAt: &expires,
		Features:        []string{"entries"},
	})
}

func TestAcceptInvite_Success(t *testing.T) {
	store := newFakeStore()
	u := addInvitedUser(store, "new@example.com", "invite-token-1", time.Now().Add(time.Hour))
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/accept-invite",
		`{"token":"invite-token-1","password":"a strong password","name":"New Person"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if u.Status != user.StatusActive {
		t.Errorf("expected active status, got %q", u.Status)
	}
	if !u.HasPassword() {
		t.Error("expected password to be set")
	}
	if u.InviteTokenHash != "" {
		t.Error("invite token must be consumed")
	}
	if u.Name != "New Person" {
		t.Errorf("expected name update, got %q", u.Name)
	}

	if cookie := sessionCookie(rec); cookie == nil {
		t.Error("expected a session cookie after acceptance")
	}
}

func TestAcceptInvite_InvalidToken(t *testing.T) {
	store := newFakeStore()
	addInvitedUser(store, "new@example.com", "invite-token-1", time.Now().Add(time.Hour))
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/accept-invite",
		`{"token":"some-other-token","password":"a strong password"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAcceptInvite_ExpiredToken(t *testing.T) {
	store := newFakeStore()
	addInvitedUser(store, "new@example.com", "invite-token-1", time.Now().Add(-time.Hour))
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/accept-invite",
		`{"token":"invite-token-1","password":"a strong password"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for expired invite, got %d", rec.Code)
	}
}

func TestAcceptInvite_ShortPassword(t *testing.T) {
	store := newFakeStore()
	addInvitedUser(store, "new@example.com", "invite-token-1", time.Now().Add(time.Hour))
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/accept-invite",
		`{"token":"invite-token-1","password":"short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for short password, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Change password
// ---------------------------------------------------------------------------

func TestChangePassword_Success(t *testing.T) {
	store := newFakeStore()
	u := addActiveUser(t, store, "alex@example.com", "old password 123", false)
	oldCookie := loginCookie(t, store, u)
	otherCookie := loginCookie(t, store, u)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/change-password",
		`{"current_password":"old password 123","new_password":"brand new password"}`, oldCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Every pre-change session is gone; only the replacement survives.
	if me := doJSON(h, http.MethodGet, "/api/auth/me", "", otherCookie); me.Code != http.StatusUnauthorized {
		t.Errorf("expected old sessions revoked, got %d", me.Code)
	}
	fresh := sessionCookie(rec)
	if fresh == nil {
		t.Fatal("expected a replacement session cookie")
	}
	if me := doJSON(h, http.MethodGet, "/api/auth/me", "", fresh); me.Code != http.StatusOK {
		t.Errorf("expected replacement session to work, got %d", me.Code)
	}

	if !crypto.VerifyPassword("brand new password", u.PasswordHash) {
		t.Error("expected new password to verify")
	}
}

func TestChangePassword_WrongCurrent(t *testing.T) {
	store := newFakeStore()
	u := addActiveUser(t, store, "alex@example.com", "old password 123", false)
	cookie := loginCookie(t, store, u)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/auth/change-password",
		`{"current_password":"not the password","new_password":"brand new password"}`, cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if !crypto.VerifyPassword("old password 123", u.PasswordHash) {
		t.Error("password must be unchanged")
	}
}

// ---------------------------------------------------------------------------
// Admin user management
// ---------------------------------------------------------------------------

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	store := newFakeStore()
	member := addActiveUser(t, store, "member@example.com", "member password", false)
	cookie := loginCookie(t, store, member)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodGet, "/api/admin/users", "", cookie)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}
}

func TestAdminListUsers(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	addActiveUser(t, store, "member@example.com", "member password", false)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodGet, "/api/admin/users", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Users []*user.User `json:"users"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Users) != 2 {
		t.Errorf("expected 2 users, got %d", len(body.Users))
	}
}

func TestAdminInviteUser(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/admin/users/invite",
		`{"email":"Invitee@Example.com","name":"Invitee"}`, cookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		User        *user.User `json:"user"`
		InviteToken string     `json:"invite_token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.InviteToken == "" {
		t.Fatal("expected a plaintext invite token in the response")
	}
	if body.User.Email != "invitee@example.com" {
		t.Errorf("expected normalized email, got %q", body.User.Email)
	}
	if body.User.Status != user.StatusPending {
		t.Errorf("expected pending status, got %q", body.User.Status)
	}

	// The returned token is the one whose digest is stored.
	stored, _ := store.GetByInviteTokenHash(context.Background(), crypto.HashToken(body.InviteToken))
	if stored == nil || stored.ID != body.User.ID {
		t.Error("stored invite digest does not match the returned token")
	}

	// The token round-trips through acceptance.
	accept := doJSON(h, http.MethodPost, "/api/auth/accept-invite",
		fmt.Sprintf(`{"token":%q,"password":"a strong password"}`, body.InviteToken))
	if accept.Code != http.StatusOK {
		t.Errorf("expected invite acceptance to succeed, got %d", accept.Code)
	}
}

func TestAdminInviteUser_DuplicateEmail(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	addActiveUser(t, store, "taken@example.com", "some password 1", false)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/admin/users/invite",
		`{"email":"taken@example.com"}`, cookie)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "conflict" {
		t.Errorf("expected conflict, got %q", code)
	}
}

func TestAdminDisableUser(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	target := addActiveUser(t, store, "target@example.com", "target password", false)
	adminCookie := loginCookie(t, store, admin)
	targetCookie := loginCookie(t, store, target)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/admin/users/"+target.ID+"/disable", "", adminCookie)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if target.Status != user.StatusDisabled {
		t.Errorf("expected disabled status, got %q", target.Status)
	}

	// The lockout is immediate: the target's live session no longer works.
	if me := doJSON(h, http.MethodGet, "/api/auth/me", "", targetCookie); me.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for disabled user's session, got %d", me.Code)
	}
}

func TestAdminDisableUser_Self(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPost, "/api/admin/users/"+admin.ID+"/disable", "", cookie)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on self-disable, got %d", rec.Code)
	}
	if admin.Status != user.StatusActive {
		t.Errorf("admin must remain active, got %q", admin.Status)
	}
}

func TestAdminEnableUser(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	withPassword := addActiveUser(t, store, "locked@example.com", "their password 1", false)
	withPassword.Status = user.StatusDisabled
	withoutPassword := store.addUser(&user.User{Email: "never@example.com", Status: user.StatusDisabled})

	rec := doJSON(h, http.MethodPost, "/api/admin/users/"+withPassword.ID+"/enable", "", cookie)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if withPassword.Status != user.StatusActive {
		t.Errorf("expected active, got %q", withPassword.Status)
	}

	rec = doJSON(h, http.MethodPost, "/api/admin/users/"+withoutPassword.ID+"/enable", "", cookie)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	// No password yet, so back to pending, not active.
	if withoutPassword.Status != user.StatusPending {
		t.Errorf("expected pending, got %q", withoutPassword.Status)
	}
}

func TestAdminUpdateUser(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	target := addActiveUser(t, store, "target@example.com", "target password", false)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPatch, "/api/admin/users/"+target.ID,
		`{"name":"Renamed","features":["entries","linkedin"],"is_approver":true}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if target.Name != "Renamed" || !target.IsApprover {
		t.Errorf("update not applied: %+v", target)
	}
	if len(target.Features) != 2 || target.Features[1] != "linkedin" {
		t.Errorf("features not applied: %v", target.Features)
	}
}

func TestAdminUpdateUser_NotFound(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPatch, "/api/admin/users/usr_missing", `{"name":"X"}`, cookie)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdminUpdateUser_DisableRevokesSessions(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	target := addActiveUser(t, store, "target@example.com", "target password", false)
	adminCookie := loginCookie(t, store, admin)
	targetCookie := loginCookie(t, store, target)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPatch, "/api/admin/users/"+target.ID,
		`{"status":"disabled"}`, adminCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if me := doJSON(h, http.MethodGet, "/api/auth/me", "", targetCookie); me.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after patch-disable, got %d", me.Code)
	}
}

func TestAdminUpdateUser_InvalidStatus(t *testing.T) {
	store := newFakeStore()
	admin := addActiveUser(t, store, "admin@example.com", "admin password 1", true)
	target := addActiveUser(t, store, "target@example.com", "target password", false)
	cookie := loginCookie(t, store, admin)
	h := newTestRouter(store)

	rec := doJSON(h, http.MethodPatch, "/api/admin/users/"+target.ID,
		`{"status":"frozen"}`, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Response plumbing
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	h := newTestRouter(newFakeStore())

	rec := doJSON(h, http.MethodGet, "/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID header")
	}

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("X-Request-ID", "given-id")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, r)
	if got := rec2.Header().Get("X-Request-ID"); got != "given-id" {
		t.Errorf("expected caller-supplied id to round-trip, got %q", got)
	}
}

func TestSecureHeaders(t *testing.T) {
	h := newTestRouter(newFakeStore())

	rec := doJSON(h, http.MethodGet, "/health", "")
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected DENY, got %q", got)
	}
}
