package patient

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the patient row does not exist.
var ErrNotFound = errors.New("patient not found")

// Repository persists patient profiles and their sub-records. Every method
// is scoped to a single patient id.
type Repository interface {
	GetProfile(ctx context.Context, id int64) (*Profile, error)
	// ContactTaken reports whether a patient other than id holds email or phone.
	ContactTaken(ctx context.Context, id int64, email, phone *string) (bool, error)
	// UpdateProfile applies the non-nil fields of u.
	UpdateProfile(ctx context.Context, id int64, u ProfileUpdate) error
	PasswordHash(ctx context.Context, id int64) (string, error)
	SetPasswordHash(ctx context.Context, id int64, hash string) error
	// LockAvatarURL returns the current avatar and, inside a transaction,
	// holds the row until it ends.
	LockAvatarURL(ctx context.Context, id int64) (*string, error)
	SetAvatarURL(ctx context.Context, id int64, url string) error

	UpsertInsurance(ctx context.Context, id int64, in InsuranceInput) (*Insurance, error)
	GetInsurance(ctx context.Context, id int64) (*Insurance, error)

	CreateSnapshot(ctx context.Context, s *HealthSnapshot) error
	ListSnapshots(ctx context.Context, patientID int64, limit int) ([]*HealthSnapshot, error)
	// DeleteSnapshot reports whether a row owned by patientID was removed.
	DeleteSnapshot(ctx context.Context, patientID, snapshotID int64) (bool, error)
}
