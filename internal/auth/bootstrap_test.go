package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/crypto"
	"github.com/ewanhart/copydesk/internal/user"
)

func bootstrapConfig() config.AuthConfig {
	return config.AuthConfig{
		DefaultOwnerEmail: "Owner@Example.com",
		DefaultOwnerName:  "Owner",
		AdminFeatures:     []string{"entries", "ideas", "admin"},
		DefaultFeatures:   []string{"entries"},
		InviteTTLHours:    72,
	}
}

type capturedInvite struct {
	email, token string
}

func newTestBootstrapper(cfg config.AuthConfig, store *fakeStore, invites *[]capturedInvite) *Bootstrapper {
	sink := func(email, token string) {
		if invites != nil {
			*invites = append(*invites, capturedInvite{email, token})
		}
	}
	return NewBootstrapper(cfg, store, sink, store)
}

func TestBootstrap_ProvisionsOwner(t *testing.T) {
	store := newFakeStore()
	var invites []capturedInvite
	b := newTestBootstrapper(bootstrapConfig(), store, &invites)

	b.EnsureDefaultOwner(context.Background())

	u, _ := store.GetByEmail(context.Background(), "owner@example.com")
	if u == nil {
		t.Fatal("expected owner to be created")
	}
	if u.Status != user.StatusPending {
		t.Errorf("expected pending status, got %s", u.Status)
	}
	if !u.IsAdmin || !u.IsApprover {
		t.Error("owner must be created with admin and approver flags")
	}
	if len(u.Features) != 3 {
		t.Errorf("expected full feature set, got %v", u.Features)
	}
	if u.InviteTokenHash == "" {
		t.Error("expected a stored invite token hash")
	}

	if len(invites) != 1 {
		t.Fatalf("expected 1 invite emitted, got %d", len(invites))
	}
	// The stored value is the digest of the emitted plaintext, not the
	// plaintext itself.
	if invites[0].token == u.InviteTokenHash {
		t.Error("plaintext invite token must not be stored")
	}
	if crypto.HashToken(invites[0].token) != u.InviteTokenHash {
		t.Error("stored hash should match the emitted token")
	}

	if store.schemaCalls == 0 {
		t.Error("expected schema ensure to run")
	}
}

func TestBootstrap_NoOwnerConfigured(t *testing.T) {
	store := newFakeStore()
	cfg := bootstrapConfig()
	cfg.DefaultOwnerEmail = ""
	b := newTestBootstrapper(cfg, store, nil)

	b.EnsureDefaultOwner(context.Background())

	if len(store.users) != 0 {
		t.Error("no owner email configured should be a provisioning no-op")
	}
	if store.schemaCalls == 0 {
		t.Error("schema ensure should still run")
	}
}

func TestBootstrap_Idempotent(t *testing.T) {
	store := newFakeStore()
	var invites []capturedInvite
	b := newTestBootstrapper(bootstrapConfig(), store, &invites)
	ctx := context.Background()

	b.EnsureDefaultOwner(ctx)
	b.EnsureDefaultOwner(ctx)
	b.EnsureDefaultOwner(ctx)

	if len(store.users) != 1 {
		t.Errorf("expected exactly 1 user, got %d", len(store.users))
	}
	// A healthy pending owner with a live invite gets no fresh token.
	if len(invites) != 1 {
		t.Errorf("expected exactly 1 invite, got %d", len(invites))
	}
}

func TestBootstrap_ReconcilesDriftedFlags(t *testing.T) {
	store := newFakeStore()
	store.addUser(&user.User{
		Email:        "owner@example.com",
		Name:         "",
		Status:       user.StatusActive,
		PasswordHash: "pbkdf2_sha256$1$x$y",
		IsAdmin:      false,
		IsApprover:   false,
	})
	b := newTestBootstrapper(bootstrapConfig(), store, nil)

	b.EnsureDefaultOwner(context.Background())

	u, _ := store.GetByEmail(context.Background(), "owner@example.com")
	if !u.IsAdmin || !u.IsApprover {
		t.Error("cleared privilege flags should be restored")
	}
	if u.Name != "Owner" {
		t.Errorf("empty name should be restored, got %q", u.Name)
	}
	if len(u.Features) != 3 {
		t.Errorf("empty features should be restored, got %v", u.Features)
	}
}

func TestBootstrap_ReactivatesDisabledOwner(t *testing.T) {
	store := newFakeStore()
	store.addUser(&user.User{
		Email:        "owner@example.com",
		Name:         "Owner",
		Status:       user.StatusDisabled,
		PasswordHash: "pbkdf2_sha256$1$x$y",
		Features:     []string{"entries"},
		IsAdmin:      true,
		IsApprover:   true,
	})
	b := newTestBootstrapper(bootstrapConfig(), store, nil)

	b.EnsureDefaultOwner(context.Background())

	u, _ := store.GetByEmail(context.Background(), "owner@example.com")
	if u.Status != user.StatusActive {
		t.Errorf("disabled owner with a password should be reactivated, got %s", u.Status)
	}
}

func TestBootstrap_ReissuesExpiredInvite(t *testing.T) {
	store := newFakeStore()
	expired := time.Now().Add(-time.Hour)
	store.addUser(&user.User{
		Email:           "owner@example.com",
		Name:            "Owner",
		Status:          user.StatusPending,
		Features:        []string{"entries"},
		IsAdmin:         true,
		IsApprover:      true,
		InviteTokenHash: "stale-hash",
		InviteExpiresAt: &expired,
	})
	var invites []capturedInvite
	b := newTestBootstrapper(bootstrapConfig(), store, &invites)

	b.EnsureDefaultOwner(context.Background())

	u, _ := store.GetByEmail(context.Background(), "owner@example.com")
	if u.InviteTokenHash == "stale-hash" {
		t.Error("expired invite should be replaced")
	}
	if len(invites) != 1 {
		t.Errorf("expected a fresh invite to be emitted, got %d", len(invites))
	}
}

func TestBootstrap_NoInviteWhilePasswordSet(t *testing.T) {
	store := newFakeStore()
	store.addUser(&user.User{
		Email:        "owner@example.com",
		Name:         "Owner",
		Status:       user.StatusActive,
		PasswordHash: "pbkdf2_sha256$1$x$y",
		Features:     []string{"entries"},
		IsAdmin:      true,
		IsApprover:   true,
	})
	var invites []capturedInvite
	b := newTestBootstrapper(bootstrapConfig(), store, &invites)

	b.EnsureDefaultOwner(context.Background())

	if len(invites) != 0 {
		t.Error("an owner with a password must not receive a new invite")
	}
}

func TestBootstrap_StoreFailureSwallowed(t *testing.T) {
	store := newFakeStore()
	store.err = context.DeadlineExceeded
	b := newTestBootstrapper(bootstrapConfig(), store, nil)

	// Must not panic or propagate; bootstrap never blocks a request.
	b.EnsureDefaultOwner(context.Background())
}
