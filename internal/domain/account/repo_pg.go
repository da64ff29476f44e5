package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careportal/portal/internal/platform/db"
)

type accountRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &accountRepoPG{pool: pool}
}

func (r *accountRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func (r *accountRepoPG) EmailOrPhoneTaken(ctx context.Context, role Role, email, phone string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+role.Table()+` WHERE email = $1 OR phone = $2)`,
		email, phone,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s email/phone lookup: %w", role, err)
	}
	return exists, nil
}

func (r *accountRepoPG) FieldTaken(ctx context.Context, role Role, value string) (bool, error) {
	col := role.UniqueField()
	if col == "" {
		return false, nil
	}
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+role.Table()+` WHERE `+col+` = $1)`, value,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s %s lookup: %w", role, col, err)
	}
	return exists, nil
}

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	cols := []string{"name", "phone", "email", "address", "password_hash"}
	args := []interface{}{a.Name, a.Phone, a.Email, a.Address, a.PasswordHash}

	switch a.Role {
	case RolePatient:
		cols = append(cols, "blood_group")
		args = append(args, a.BloodGroup)
	case RoleDoctor:
		cols = append(cols, "degree", "specialization", "registration_no")
		args = append(args, a.Degree, a.Specialization, a.RegistrationNo)
	case RoleHospital:
		cols = append(cols, "hospital_type", "bed_number")
		args = append(args, a.HospitalType, a.BedNumber)
	case RolePharmacist:
		cols = append(cols, "license_no")
		args = append(args, a.LicenseNo)
	default:
		return fmt.Errorf("create account: unknown role %q", a.Role)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO `+a.Role.Table()+` (`+strings.Join(cols, ", ")+`)
		VALUES (`+strings.Join(placeholders, ", ")+`)
		RETURNING id, created_at`,
		args...,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if constraint, ok := db.UniqueViolation(err); ok {
			return conflictFor(a.Role, constraint)
		}
		return fmt.Errorf("create %s: %w", a.Role, err)
	}
	return nil
}

// conflictFor maps a violated UNIQUE constraint to the conflict reported
// to the caller. Constraint names are declared in 001_accounts.sql.
func conflictFor(role Role, constraint string) error {
	if f := role.UniqueField(); f != "" && constraint == role.Table()+"_"+f+"_key" {
		return uniqueConflict(role)
	}
	return ErrEmailOrPhoneTaken
}

func (r *accountRepoPG) FindByIdentifier(ctx context.Context, role Role, identifier string) (*Account, error) {
	a := &Account{Role: role}
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, phone, email, address, password_hash, created_at
		FROM `+role.Table()+`
		WHERE email = $1 OR phone = $2
		ORDER BY (email = $1) DESC
		LIMIT 1`,
		NormalizeEmail(identifier), strings.TrimSpace(identifier),
	).Scan(&a.ID, &a.Name, &a.Phone, &a.Email, &a.Address, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by identifier: %w", role, err)
	}
	return a, nil
}
