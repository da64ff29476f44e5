package account

import (
	"context"
	"errors"

	"github.com/careportal/portal/internal/platform/apperr"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("account not found")

	ErrEmailOrPhoneTaken = apperr.Conflict("email or phone already exists")
	ErrRegistrationTaken = apperr.Conflict("registration number already exists")
	ErrLicenseTaken      = apperr.Conflict("license already exists")
)

// Repository stores accounts, one table per role. Create reports unique
// violations as the matching conflict error above.
type Repository interface {
	EmailOrPhoneTaken(ctx context.Context, role Role, email, phone string) (bool, error)
	FieldTaken(ctx context.Context, role Role, value string) (bool, error)
	Create(ctx context.Context, a *Account) error
	FindByIdentifier(ctx context.Context, role Role, identifier string) (*Account, error)
}

// uniqueConflict returns the error to surface for role's unique field.
func uniqueConflict(role Role) error {
	switch role {
	case RoleDoctor:
		return ErrRegistrationTaken
	case RolePharmacist:
		return ErrLicenseTaken
	}
	return ErrEmailOrPhoneTaken
}
