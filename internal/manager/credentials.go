// Package manager authenticates the loan manager and issues the tokens that
// guard the manager routes.
package manager

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	dErrors "loanflow/pkg/domain-errors"
)

const msgInvalidCredentials = "Invalid username or password"

// Hash creates a bcrypt hash of password.
func Hash(password string) (string, error) {
	if password == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "password is too long")
		}
		return "", fmt.Errorf("could not hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify checks a plaintext password against a bcrypt hash.
func Verify(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return dErrors.New(dErrors.CodeUnauthorized, msgInvalidCredentials)
		}
		return fmt.Errorf("could not verify password: %w", err)
	}
	return nil
}

// Credentials holds the single configured manager account. Only the
// password hash is kept in memory.
type Credentials struct {
	username string
	hash     string
}

// NewCredentials hashes password for username.
func NewCredentials(username, password string) (*Credentials, error) {
	if username == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "username cannot be empty")
	}
	hash, err := Hash(password)
	if err != nil {
		return nil, err
	}
	return &Credentials{username: username, hash: hash}, nil
}

// Authenticate returns an unauthorized error unless both values match.
func (c *Credentials) Authenticate(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) == 1
	// always run bcrypt so timing does not reveal the username
	err := Verify(password, c.hash)
	if !userOK {
		return dErrors.New(dErrors.CodeUnauthorized, msgInvalidCredentials)
	}
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify credentials")
	}
	return nil
}
