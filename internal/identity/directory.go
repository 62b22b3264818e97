package identity

import (
	"context"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

// User is a doctor, patient or staff member as seen by the scheduling
// core. The directory owns these records; the core only reads them.
type User struct {
	ID        string
	Name      string
	Email     *string
	Specialty *string
}

// Directory resolves users and their roles. Backed by the identity
// store in production and by an in-memory map in tests.
type Directory interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
	RolesForUser(ctx context.Context, id string) ([]Role, error)
}
