// Package password stores and checks salted PBKDF2-SHA256 password hashes in
// the form pbkdf2$sha256$<iterations>$<salt>$<key>.
package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 16
	keyLength  = 32
	Iterations = 120000
)

// ErrMismatch is returned by Verify when the candidate does not match.
var ErrMismatch = errors.New("password mismatch")

func Hash(password string) (string, error) {
	return HashWithIterations(password, Iterations)
}

func HashWithIterations(password string, iterations int) (string, error) {
	if iterations <= 0 {
		return "", fmt.Errorf("iterations must be > 0")
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

func Verify(encoded, candidate string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode key: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	if subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrMismatch
	}
	return nil
}
