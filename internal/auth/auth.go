// Package auth checks subscriber credentials against a stored password hash.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingCredential = errors.New("credential required")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNoPasswordHash    = errors.New("authentication required but no password hash configured")
)

// Policy decides whether a connection may subscribe. Hash holds either a
// salted SHA-256 digest in hex (see Hash) or a bcrypt hash.
type Policy struct {
	Required bool
	Salt     string
	Hash     string
}

// Hash returns the lowercase hex SHA-256 of salt followed by the trimmed
// password.
func Hash(password, salt string) string {
	sum := sha256.New()
	sum.Write([]byte(salt))
	sum.Write([]byte(strings.TrimSpace(password)))
	return hex.EncodeToString(sum.Sum(nil))
}

// HashBcrypt returns a bcrypt hash of the trimmed password. The salt is
// embedded in the result.
func HashBcrypt(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Validate reports configuration that would reject every connection.
func (p Policy) Validate() error {
	if p.Required && strings.TrimSpace(p.Hash) == "" {
		return ErrNoPasswordHash
	}
	return nil
}

// Verify checks credential. present distinguishes an empty credential from
// one that was never supplied.
func (p Policy) Verify(credential string, present bool) error {
	if !p.Required {
		return nil
	}
	if !present {
		return ErrMissingCredential
	}
	stored := strings.TrimSpace(p.Hash)
	if stored == "" {
		return ErrInvalidCredential
	}
	if isBcrypt(stored) {
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(strings.TrimSpace(credential))); err != nil {
			return ErrInvalidCredential
		}
		return nil
	}
	computed := Hash(credential, p.Salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(stored))) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}
