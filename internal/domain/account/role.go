package account

import (
	"fmt"
	"strings"
)

// Role is the closed set of account kinds. Each role lives in its own table.
type Role string

const (
	RolePatient    Role = "patient"
	RoleDoctor     Role = "doctor"
	RoleHospital   Role = "hospital"
	RolePharmacist Role = "pharmacist"
)

// Roles lists every role in registration-route order.
var Roles = []Role{RolePatient, RoleDoctor, RoleHospital, RolePharmacist}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleHospital, RolePharmacist:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// Table is the credential table for r. Table names are constants and safe
// to interpolate into SQL.
func (r Role) Table() string {
	switch r {
	case RolePatient:
		return "patient_users"
	case RoleDoctor:
		return "doctor_users"
	case RoleHospital:
		return "hospital_users"
	case RolePharmacist:
		return "pharmacist_users"
	}
	panic(fmt.Sprintf("account: no table for role %q", string(r)))
}

// UniqueField is the role-specific column that must be unique within the
// role's table, or "" when the role has none.
func (r Role) UniqueField() string {
	switch r {
	case RoleDoctor:
		return "registration_no"
	case RolePharmacist:
		return "license_no"
	}
	return ""
}

func (r Role) title() string {
	switch r {
	case RolePatient:
		return "Patient"
	case RoleDoctor:
		return "Doctor"
	case RoleHospital:
		return "Hospital"
	case RolePharmacist:
		return "Pharmacist"
	}
	return string(r)
}
