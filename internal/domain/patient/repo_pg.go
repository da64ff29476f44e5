package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careportal/portal/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const profileCols = `id, name, phone, email, address, blood_group, avatar_url`

func (r *patientRepoPG) GetProfile(ctx context.Context, id int64) (*Profile, error) {
	var p Profile
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM patient_users WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Phone, &p.Email, &p.Address, &p.BloodGroup, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient profile: %w", err)
	}
	return &p, nil
}

func (r *patientRepoPG) ContactTaken(ctx context.Context, id int64, email, phone *string) (bool, error) {
	if email == nil && phone == nil {
		return false, nil
	}
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM patient_users
			WHERE id <> $1 AND (email = $2 OR phone = $3)
		)`, id, email, phone).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("patient contact lookup: %w", err)
	}
	return taken, nil
}

func (r *patientRepoPG) UpdateProfile(ctx context.Context, id int64, u ProfileUpdate) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_users SET
			name = COALESCE($2, name),
			phone = COALESCE($3, phone),
			email = COALESCE($4, email),
			address = COALESCE($5, address),
			blood_group = COALESCE($6, blood_group),
			updated_at = NOW()
		WHERE id = $1`,
		id, u.Name, u.Phone, u.Email, u.Address, u.BloodGroup,
	)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return ErrContactTaken
		}
		return fmt.Errorf("update patient profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) PasswordHash(ctx context.Context, id int64) (string, error) {
	var hash string
	err := r.conn(ctx).QueryRow(ctx, `SELECT password_hash FROM patient_users WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get patient password: %w", err)
	}
	return hash, nil
}

func (r *patientRepoPG) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient_users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("set patient password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) LockAvatarURL(ctx context.Context, id int64) (*string, error) {
	var url *string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT avatar_url FROM patient_users WHERE id = $1 FOR UPDATE`, id).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock patient avatar: %w", err)
	}
	return url, nil
}

func (r *patientRepoPG) SetAvatarURL(ctx context.Context, id int64, url string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient_users SET avatar_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set patient avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const insuranceCols = `id, patient_id, provider, policy_no, status, to_char(valid_till, 'YYYY-MM-DD'), updated_at`

func scanInsurance(row pgx.Row) (*Insurance, error) {
	var in Insurance
	err := row.Scan(&in.ID, &in.PatientID, &in.Provider, &in.PolicyNo, &in.Status, &in.ValidTill, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// UpsertInsurance writes the record in one statement so concurrent saves
// for the same patient cannot produce two rows.
func (r *patientRepoPG) UpsertInsurance(ctx context.Context, id int64, in InsuranceInput) (*Insurance, error) {
	var validTill *string
	if in.ValidTill != "" {
		validTill = &in.ValidTill
	}
	out, err := scanInsurance(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_bima (patient_id, provider, policy_no, status, valid_till)
		VALUES ($1, $2, $3, $4, $5::date)
		ON CONFLICT (patient_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			policy_no = EXCLUDED.policy_no,
			status = EXCLUDED.status,
			valid_till = EXCLUDED.valid_till,
			updated_at = NOW()
		RETURNING `+insuranceCols,
		id, in.Provider, in.PolicyNo, in.Status, validTill,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert patient insurance: %w", err)
	}
	return out, nil
}

func (r *patientRepoPG) GetInsurance(ctx context.Context, id int64) (*Insurance, error) {
	out, err := scanInsurance(r.conn(ctx).QueryRow(ctx,
		`SELECT `+insuranceCols+` FROM patient_bima WHERE patient_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient insurance: %w", err)
	}
	return out, nil
}

const snapshotCols = `id, patient_id, age, height_cm, weight_kg, bp_sys, bp_dia, bmi, recorded_at`

func (r *patientRepoPG) CreateSnapshot(ctx context.Context, s *HealthSnapshot) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_health_history (patient_id, age, height_cm, weight_kg, bp_sys, bp_dia, bmi)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, recorded_at`,
		s.PatientID, s.Age, s.HeightCm, s.WeightKg, s.BpSys, s.BpDia, s.BMI,
	).Scan(&s.ID, &s.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert health snapshot: %w", err)
	}
	return nil
}

func (r *patientRepoPG) ListSnapshots(ctx context.Context, patientID int64, limit int) ([]*HealthSnapshot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+snapshotCols+`
		FROM patient_health_history
		WHERE patient_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list health history: %w", err)
	}
	defer rows.Close()

	out := []*HealthSnapshot{}
	for rows.Next() {
		var s HealthSnapshot
		if err := rows.Scan(&s.ID, &s.PatientID, &s.Age, &s.HeightCm, &s.WeightKg, &s.BpSys, &s.BpDia, &s.BMI, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan health snapshot: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health history: %w", err)
	}
	return out, nil
}

func (r *patientRepoPG) DeleteSnapshot(ctx context.Context, patientID, snapshotID int64) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM patient_health_history WHERE id = $1 AND patient_id = $2`, snapshotID, patientID)
	if err != nil {
		return false, fmt.Errorf("delete health snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
