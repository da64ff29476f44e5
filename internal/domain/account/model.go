package account

import (
	"time"

	"github.com/careportal/portal/pkg/flexnum"
)

// Account is a stored credential row. Only the fields of its Role are
// meaningful; the rest stay zero.
type Account struct {
	ID           int64     `json:"id"`
	Role         Role      `json:"role"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email"`
	Address      string    `json:"address"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`

	BloodGroup     string `json:"blood_group,omitempty"`
	Degree         string `json:"degree,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	RegistrationNo string `json:"registration_no,omitempty"`
	HospitalType   string `json:"hospital_type,omitempty"`
	BedNumber      int    `json:"bed_number,omitempty"`
	LicenseNo      string `json:"license_no,omitempty"`
}

// UniqueValue returns the value stored in r.UniqueField().
func (a *Account) UniqueValue() string {
	switch a.Role {
	case RoleDoctor:
		return a.RegistrationNo
	case RolePharmacist:
		return a.LicenseNo
	}
	return ""
}

// RegisterRequest is the registration body for every role. Fields that do
// not belong to the target role are ignored.
type RegisterRequest struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	Address         string `json:"address"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`

	BloodGroup     string         `json:"blood_group"`
	Degree         string         `json:"degree"`
	Specialization string         `json:"specialization"`
	RegistrationNo string         `json:"registration_no"`
	HospitalType   string         `json:"hospital_type"`
	BedNumber      flexnum.Number `json:"bed_number"`
	LicenseNo      string         `json:"license_no"`
}

type LoginRequest struct {
	Role       string `json:"role"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// UserSummary is the public projection returned on login.
type UserSummary struct {
	ID    int64  `json:"id"`
	Role  Role   `json:"role"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      UserSummary `json:"user"`
}
