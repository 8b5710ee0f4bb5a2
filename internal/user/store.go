package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ewanhart/copydesk/internal/crypto"
)

// ErrDuplicateEmail is returned when an insert collides with the unique
// email constraint. Concurrent bootstrap callers treat it as "already
// provisioned" and move on.
var ErrDuplicateEmail = errors.New("email already in use")

const userColumns = `id, email, name, password_hash, invite_token_hash, invite_expires_at,
	 features, status, is_admin, is_approver, avatar_url, created_at, updated_at, last_login_at`

// maxUserAgentLength bounds the user-agent string stored with a session.
const maxUserAgentLength = 256

// Store provides database operations for users and sessions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scanUser scans a user row, handling the JSONB features column.
func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	var featuresJSON []byte
	err := scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.InviteTokenHash, &u.InviteExpiresAt,
		&featuresJSON, &u.Status, &u.IsAdmin, &u.IsApprover, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, err
	}
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &u.Features); err != nil {
			return nil, fmt.Errorf("unmarshaling features: %w", err)
		}
	}
	if u.Features == nil {
		u.Features = []string{}
	}
	return u, nil
}

// marshalFeatures converts the feature list to JSON for storage.
func marshalFeatures(features []string) ([]byte, error) {
	if features == nil {
		features = []string{}
	}
	return json.Marshal(features)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new user with a generated id and normalized email.
func (s *Store) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	featuresJSON, err := marshalFeatures(in.Features)
	if err != nil {
		return nil, fmt.Errorf("marshaling features: %w", err)
	}

	status := in.Status
	if status == "" {
		status = StatusPending
	}

	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO users (id, email, name, invite_token_hash, invite_expires_at, features, status, is_admin, is_approver)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+userColumns,
			crypto.NewID("usr"), NormalizeEmail(in.Email), in.Name, in.InviteTokenHash, in.InviteExpiresAt,
			featuresJSON, status, in.IsAdmin, in.IsApprover,
		).Scan(dest...)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by primary key. Returns nil, nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by normalized email. Returns nil, nil when
// absent.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE email = $1`, NormalizeEmail(email),
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// GetByInviteTokenHash retrieves a user by its stored invite-token digest.
// Returns nil, nil when no user holds that token.
func (s *Store) GetByInviteTokenHash(ctx context.Context, hash string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE invite_token_hash = $1 AND invite_token_hash <> ''`, hash,
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by invite token: %w", err)
	}
	return u, nil
}

// List returns all users ordered by created_at DESC.
func (s *Store) List(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Update performs a partial update on the user with the given id.
func (s *Store) Update(ctx context.Context, id string, in UpdateUserInput) (*User, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.Features != nil {
		featuresJSON, err := marshalFeatures(*in.Features)
		if err != nil {
			return nil, fmt.Errorf("marshaling features: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("features = $%d", argIdx))
		args = append(args, featuresJSON)
		argIdx++
	}
	if in.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *in.Status)
		argIdx++
	}
	if in.IsAdmin != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_admin = $%d", argIdx))
		args = append(args, *in.IsAdmin)
		argIdx++
	}
	if in.IsApprover != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_approver = $%d", argIdx))
		args = append(args, *in.IsApprover)
		argIdx++
	}
	if in.AvatarURL != nil {
		setClauses = append(setClauses, fmt.Sprintf("avatar_url = $%d", argIdx))
		args = append(args, *in.AvatarURL)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE users SET %s WHERE id = $%d RETURNING `+userColumns,
		strings.Join(setClauses, ", "), argIdx,
	)

	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("updating user: %w", err)
	}
	return u, nil
}

// SetPassword stores a new password record, clears any outstanding invite
// and activates the account. Callers must separately invalidate the user's
// sessions; every password generation starts with zero live sessions.
func (s *Store) SetPassword(ctx context.Context, id string, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET password_hash = $1, invite_token_hash = '', invite_expires_at = NULL,
		     status = $2, updated_at = now()
		 WHERE id = $3`,
		passwordHash, StatusActive, id)
	if err != nil {
		return fmt.Errorf("setting password: %w", err)
	}
	return nil
}

// SetInviteToken stores a fresh invite-token digest and expiry.
func (s *Store) SetInviteToken(ctx context.Context, id string, tokenHash string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET invite_token_hash = $1, invite_expires_at = $2, updated_at = now() WHERE id = $3`,
		tokenHash, expiresAt, id)
	if err != nil {
		return fmt.Errorf("setting invite token: %w", err)
	}
	return nil
}

// SetStatus transitions the user's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	return nil
}

// TouchLastLogin records a successful authentication time.
func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_login_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// CreateSession creates a new session for the given user. It returns the
// opaque plaintext token (for cookie delivery, never retrievable again) and
// the stored session.
func (s *Store) CreateSession(ctx context.Context, userID, userAgent, ip string, ttl time.Duration) (string, *Session, error) {
	plaintext, err := crypto.GenerateToken(32)
	if err != nil {
		return "", nil, fmt.Errorf("generating session token: %w", err)
	}
	tokenHash := crypto.HashToken(plaintext)

	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}

	now := time.Now()
	sess := &Session{}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO sessions (token_hash, user_id, user_agent, ip, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING token_hash, user_id, user_agent, ip, created_at, expires_at`,
		tokenHash, userID, userAgent, ip, now, now.Add(ttl),
	).Scan(&sess.TokenHash, &sess.UserID, &sess.UserAgent, &sess.IP, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("creating session: %w", err)
	}

	return plaintext, sess, nil
}

// GetSessionUser looks up a session by its plaintext token and returns the
// associated user. An expired session is deleted as a side effect; expiry is
// checked at read time, no background sweep is required. Returns nil, nil
// when the token resolves to no live session.
func (s *Store) GetSessionUser(ctx context.Context, plaintext string) (*User, error) {
	tokenHash := crypto.HashToken(plaintext)

	var expiresAt time.Time
	u, err := scanUser(func(dest ...any) error {
		dest = append(dest, &expiresAt)
		return s.pool.QueryRow(ctx,
			`SELECT `+sessionUserColumns+`, s.expires_at
			 FROM sessions s JOIN users u ON s.user_id = u.id
			 WHERE s.token_hash = $1`,
			tokenHash,
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session user: %w", err)
	}

	if expiresAt.Before(time.Now()) {
		// Lazy expiry: the delete is best-effort cleanup. The session is
		// expired either way, so a failed delete is logged, not surfaced.
		if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
			slog.Warn("deleting expired session failed", "error", err)
		}
		return nil, nil
	}
	return u, nil
}

const sessionUserColumns = `u.id, u.email, u.name, u.password_hash, u.invite_token_hash, u.invite_expires_at,
	 u.features, u.status, u.is_admin, u.is_approver, u.avatar_url, u.created_at, u.updated_at, u.last_login_at`

// DeleteSession removes a session by its plaintext token. Unknown tokens are
// a no-op.
func (s *Store) DeleteSession(ctx context.Context, plaintext string) error {
	tokenHash := crypto.HashToken(plaintext)
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteSessionsForUser removes every session belonging to the user. Called
// on password change and on disable so no concurrent session survives a
// security-relevant state change.
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions for user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanExpiredSessions deletes all sessions that have expired.
func (s *Store) CleanExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
