package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const RoleAdmin = "admin"

var (
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

type User struct {
	ID    string
	Email string
	Hash  []byte
	Role  string

	TOTPSecret  string
	TOTPEnabled bool
}

type UserStore interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int, error)

	Create(ctx context.Context, email, password, role, id string) error

	// Verify checks the password only. Second-factor enforcement happens
	// in the login handler, which needs the returned TOTP fields.
	Verify(ctx context.Context, email, password string) (User, error)

	Find(ctx context.Context, email string) (User, error)

	SetTOTPSecret(ctx context.Context, userID, secret string) error

	// EnableTOTP flips the account to require a code on every login.
	EnableTOTP(ctx context.Context, userID string) error
}

// Bootstrap creates the first admin account when the store is empty, so
// a fresh deployment is operable without manual SQL.
func Bootstrap(ctx context.Context, s UserStore, email, password string) (bool, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 || email == "" || password == "" {
		return false, nil
	}

	id := "u_" + uuid.NewString()
	if err := s.Create(ctx, email, password, RoleAdmin, id); err != nil {
		return false, err
	}
	return true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePassword(password string) string {
	return strings.TrimSpace(password)
}
