package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	minHandleLen   = 3
	minPasswordLen = 6
)

// User is an account record. PasswordHash is empty for federated-only
// accounts and is never serialized.
type User struct {
	ID           string    `json:"id"`
	Handle       string    `json:"handle"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Federated reports whether the account can only sign in through a
// federated identity provider.
func (u User) Federated() bool {
	return u.PasswordHash == ""
}

// NewUser validates registration input and builds a user with a
// server-assigned id. The caller hashes the password; passwordHash may be
// empty for federated accounts.
func NewUser(handle, email, passwordHash string) (User, error) {
	handle, err := NormalizeHandle(handle)
	if err != nil {
		return User{}, err
	}
	email, err = NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	return User{
		ID:           uuid.NewString(),
		Handle:       handle,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// NormalizeHandle trims and validates a display handle.
func NormalizeHandle(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if len(handle) < minHandleLen {
		return "", &ValidationError{Field: "handle", Reason: "handle must be at least 3 characters"}
	}
	return handle, nil
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "email", Reason: "invalid email address"}
	}
	return email, nil
}

// ValidatePassword enforces the minimum password length. The plaintext is
// never stored or logged.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLen {
		return &ValidationError{Field: "password", Reason: "password must be at least 6 characters"}
	}
	return nil
}
