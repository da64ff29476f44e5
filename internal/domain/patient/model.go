package patient

import (
	"io"
	"time"

	"github.com/careportal/portal/pkg/flexnum"
)

// Profile is the public projection of a patient account.
type Profile struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Phone      string  `json:"phone"`
	Email      string  `json:"email"`
	Address    string  `json:"address"`
	BloodGroup string  `json:"blood_group"`
	AvatarURL  *string `json:"avatar_url"`
}

// ProfileUpdate is a partial update. Nil or blank fields are left as they are.
type ProfileUpdate struct {
	Name       *string `json:"name"`
	Phone      *string `json:"phone"`
	Email      *string `json:"email"`
	Address    *string `json:"address"`
	BloodGroup *string `json:"blood_group"`
}

type PasswordChange struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AvatarUpload is an image received from the client. Size is the declared
// part size; Body is read at most once.
type AvatarUpload struct {
	ContentType string
	Size        int64
	Body        io.Reader
}

// Insurance statuses.
const (
	InsuranceActive  = "Active"
	InsurancePending = "Pending"
	InsuranceExpired = "Expired"
)

// Insurance is the patient's single bima record. ValidTill is YYYY-MM-DD.
type Insurance struct {
	ID        int64     `json:"id"`
	PatientID int64     `json:"patient_id"`
	Provider  string    `json:"provider"`
	PolicyNo  string    `json:"policy_no"`
	Status    string    `json:"status"`
	ValidTill *string   `json:"valid_till"`
	UpdatedAt time.Time `json:"updated_at"`
}

type InsuranceInput struct {
	Provider  string `json:"provider"`
	PolicyNo  string `json:"policy_no"`
	Status    string `json:"status"`
	ValidTill string `json:"valid_till"`
}

// HealthSnapshot is one row of the append-only measurement history. Any
// measurement may be absent.
type HealthSnapshot struct {
	ID         int64     `json:"id"`
	PatientID  int64     `json:"patient_id"`
	Age        *float64  `json:"age"`
	HeightCm   *float64  `json:"height_cm"`
	WeightKg   *float64  `json:"weight_kg"`
	BpSys      *float64  `json:"bp_sys"`
	BpDia      *float64  `json:"bp_dia"`
	BMI        *float64  `json:"bmi"`
	RecordedAt time.Time `json:"recorded_at"`
}

type SnapshotInput struct {
	Age      flexnum.Number `json:"age"`
	HeightCm flexnum.Number `json:"height_cm"`
	WeightKg flexnum.Number `json:"weight_kg"`
	BpSys    flexnum.Number `json:"bp_sys"`
	BpDia    flexnum.Number `json:"bp_dia"`
}
