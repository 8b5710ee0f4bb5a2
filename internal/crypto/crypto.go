package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// defaultIterations is the PBKDF2 iteration count for newly created
	// password records. Existing records keep the count they were written
	// with, so this can be raised without invalidating stored passwords.
	defaultIterations = 210_000

	saltLength = 16
	keyLength  = 32

	recordPrefix = "pbkdf2_sha256"
)

// HashPassword derives a self-describing password record of the form
// pbkdf2_sha256$<iterations>$<salt>$<hash> with base64url-encoded salt and
// derived key.
func HashPassword(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := pbkdf2.Key([]byte(plaintext), salt, defaultIterations, keyLength, sha256.New)

	return strings.Join([]string{
		recordPrefix,
		strconv.Itoa(defaultIterations),
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(key),
	}, "$"), nil
}

// VerifyPassword re-derives the key under the record's own stored parameters
// and compares in constant time. Malformed records verify as false, never as
// an error.
func VerifyPassword(plaintext, record string) bool {
	parts := strings.Split(record, "$")
	if len(parts) != 4 || parts[0] != recordPrefix {
		return false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return false
	}

	got := pbkdf2.Key([]byte(plaintext), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// HashToken returns the hex-encoded SHA-256 digest of a bearer token. Stores
// persist digests only, never the plaintext.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// GenerateToken returns a hex-encoded cryptographically random token of the
// given byte length.
func GenerateToken(byteLength int) (string, error) {
	b := make([]byte, byteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewID returns a prefixed random identifier, e.g. "usr_<32 hex chars>" for
// prefix "usr".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id
}
