package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ewanhart/copydesk/internal/config"
	"github.com/ewanhart/copydesk/internal/crypto"
	"github.com/ewanhart/copydesk/internal/user"
)

// InviteSink receives a freshly issued invite token. The plaintext leaves
// the process through this operational side-channel only; it is never
// written to the log stream or the store.
type InviteSink func(email, token string)

// Bootstrapper keeps the schema and the default-owner account healthy. It
// runs before every authorization decision, so everything here has to be an
// idempotent cheap no-op in the steady state, and nothing may propagate a
// failure into the request path.
type Bootstrapper struct {
	cfg     config.AuthConfig
	users   UserDirectory
	schemas []SchemaEnsurer
	sink    InviteSink
	now     func() time.Time // injectable clock for testing
}

// NewBootstrapper creates a Bootstrapper. sink may be nil, in which case
// issued invite tokens are dropped.
func NewBootstrapper(cfg config.AuthConfig, users UserDirectory, sink InviteSink, schemas ...SchemaEnsurer) *Bootstrapper {
	return &Bootstrapper{
		cfg:     cfg,
		users:   users,
		schemas: schemas,
		sink:    sink,
		now:     time.Now,
	}
}

// EnsureDefaultOwner ensures the required tables exist and the configured
// default owner is provisioned with sufficient privilege, self-healing any
// drift across deployments. All failures are logged and swallowed.
func (b *Bootstrapper) EnsureDefaultOwner(ctx context.Context) {
	for _, schema := range b.schemas {
		if err := schema.EnsureSchema(ctx); err != nil {
			slog.Error("schema ensure failed", "error", err)
		}
	}

	if b.cfg.DefaultOwnerEmail == "" {
		return
	}

	if err := b.provisionOwner(ctx); err != nil {
		slog.Error("default owner bootstrap failed", "email", b.cfg.DefaultOwnerEmail, "error", err)
	}
}

func (b *Bootstrapper) provisionOwner(ctx context.Context) error {
	email := user.NormalizeEmail(b.cfg.DefaultOwnerEmail)

	u, err := b.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}

	if u == nil {
		return b.createOwner(ctx, email)
	}
	return b.reconcileOwner(ctx, u)
}

// createOwner provisions a pending owner account holding a hashed invite
// token.
func (b *Bootstrapper) createOwner(ctx context.Context, email string) error {
	token, err := crypto.GenerateToken(32)
	if err != nil {
		return fmt.Errorf("generating invite token: %w", err)
	}

	expiresAt := b.now().Add(b.cfg.InviteTTL())
	_, err = b.users.Create(ctx, user.CreateUserInput{
		Email:           email,
		Name:            b.cfg.DefaultOwnerName,
		Features:        b.cfg.AdminFeatures,
		Status:          user.StatusPending,
		IsAdmin:         true,
		IsApprover:      true,
		InviteTokenHash: crypto.HashToken(token),
		InviteExpiresAt: &expiresAt,
	})
	if errors.Is(err, user.ErrDuplicateEmail) {
		// A concurrent bootstrap won the insert race; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("default owner provisioned", "email", email)
	b.emitInvite(email, token)
	return nil
}

// reconcileOwner restores any privilege or profile drift on the existing
// owner record: admin/approver flags, name, features, and status. An owner
// with neither a password nor a live invite gets a fresh invite so the
// account is always reachable.
func (b *Bootstrapper) reconcileOwner(ctx context.Context, u *user.User) error {
	in := user.UpdateUserInput{}
	dirty := false

	if !u.IsAdmin {
		v := true
		in.IsAdmin = &v
		dirty = true
	}
	if !u.IsApprover {
		v := true
		in.IsApprover = &v
		dirty = true
	}
	if u.Name == "" {
		name := b.cfg.DefaultOwnerName
		in.Name = &name
		dirty = true
	}
	if len(u.Features) == 0 {
		features := b.cfg.AdminFeatures
		in.Features = &features
		dirty = true
	}
	if u.Status == user.StatusDisabled {
		status := user.StatusActive
		if !u.HasPassword() {
			status = user.StatusPending
		}
		in.Status = &status
		dirty = true
	}

	if dirty {
		if _, err := b.users.Update(ctx, u.ID, in); err != nil {
			return err
		}
		slog.Info("default owner reconciled", "email", u.Email)
	}

	if !u.HasPassword() && !u.HasValidInvite(b.now()) {
		token, err := crypto.GenerateToken(32)
		if err != nil {
			return fmt.Errorf("generating invite token: %w", err)
		}
		if err := b.users.SetInviteToken(ctx, u.ID, crypto.HashToken(token), b.now().Add(b.cfg.InviteTTL())); err != nil {
			return err
		}
		slog.Info("default owner invite reissued", "email", u.Email)
		b.emitInvite(u.Email, token)
	}

	return nil
}

func (b *Bootstrapper) emitInvite(email, token string) {
	if b.sink != nil {
		b.sink(email, token)
	}
}
