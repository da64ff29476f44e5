package account

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
)

// BloodGroups is the accepted set for patient blood_group.
var BloodGroups = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}

const (
	minPasswordLen   = 6
	minIdentifierLen = 3
)

// Upper bounds, in characters, matching the column widths in
// migrations/001_accounts.sql. Address is TEXT and capped here only.
const (
	MaxNameLen    = 120
	MaxPhoneLen   = 32
	MaxEmailLen   = 255
	MaxAddressLen = 500
	maxLabelLen   = 120 // degree, specialization, hospital_type
	maxNumberLen  = 64  // registration_no, license_no
)

// ValidBloodGroup reports whether g is one of BloodGroups.
func ValidBloodGroup(g string) bool {
	for _, bg := range BloodGroups {
		if g == bg {
			return true
		}
	}
	return false
}

// ValidEmail reports whether s is a bare address such as "a@b.co".
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

// NormalizeEmail lowercases and trims e.
func NormalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func minLen(f apperr.FieldErrors, field, value string, n int) {
	if utf8.RuneCountInString(value) < n {
		f.Add(field, fmt.Sprintf("must be at least %d characters", n))
	}
}

// lenBetween checks both bounds and reports at most one message.
func lenBetween(f apperr.FieldErrors, field, value string, min, max int) {
	if utf8.RuneCountInString(value) > max {
		f.Add(field, TooLong(max))
		return
	}
	minLen(f, field, value, min)
}

// TooLong is the message for a value longer than n characters.
func TooLong(n int) string {
	return fmt.Sprintf("must be at most %d characters", n)
}

// PasswordTooLong reports whether p exceeds what bcrypt can hash.
func PasswordTooLong(p string) bool {
	return len(p) > auth.MaxPasswordBytes
}

func checkPassword(f apperr.FieldErrors, field, p string) {
	if PasswordTooLong(p) {
		f.Add(field, fmt.Sprintf("must be at most %d bytes", auth.MaxPasswordBytes))
		return
	}
	minLen(f, field, p, minPasswordLen)
}

// normalize trims every string field in place and lowercases the email.
func (r *RegisterRequest) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Email = NormalizeEmail(r.Email)
	r.Address = strings.TrimSpace(r.Address)
	r.BloodGroup = strings.ToUpper(strings.TrimSpace(r.BloodGroup))
	r.Degree = strings.TrimSpace(r.Degree)
	r.Specialization = strings.TrimSpace(r.Specialization)
	r.RegistrationNo = strings.TrimSpace(r.RegistrationNo)
	r.HospitalType = strings.TrimSpace(r.HospitalType)
	r.LicenseNo = strings.TrimSpace(r.LicenseNo)
}

// validate checks r against the rules of role. It assumes normalize ran.
// Passwords are not trimmed.
func (r *RegisterRequest) validate(role Role) error {
	f := apperr.FieldErrors{}

	lenBetween(f, "name", r.Name, 2, MaxNameLen)
	lenBetween(f, "phone", r.Phone, 6, MaxPhoneLen)
	switch {
	case utf8.RuneCountInString(r.Email) > MaxEmailLen:
		f.Add("email", TooLong(MaxEmailLen))
	case !ValidEmail(r.Email):
		f.Add("email", "invalid email address")
	}
	lenBetween(f, "address", r.Address, 2, MaxAddressLen)
	checkPassword(f, "password", r.Password)
	checkPassword(f, "confirm_password", r.ConfirmPassword)
	if r.Password != r.ConfirmPassword {
		f.Add("confirm_password", "passwords do not match")
	}

	switch role {
	case RolePatient:
		if !ValidBloodGroup(r.BloodGroup) {
			f.Add("blood_group", "must be one of "+strings.Join(BloodGroups, ", "))
		}
	case RoleDoctor:
		lenBetween(f, "degree", r.Degree, 2, maxLabelLen)
		lenBetween(f, "specialization", r.Specialization, 2, maxLabelLen)
		lenBetween(f, "registration_no", r.RegistrationNo, 2, maxNumberLen)
	case RoleHospital:
		lenBetween(f, "hospital_type", r.HospitalType, 3, maxLabelLen)
		switch {
		case r.BedNumber.Invalid || !r.BedNumber.Set:
			f.Add("bed_number", "must be a number")
		case !r.BedNumber.IsInteger() || r.BedNumber.Value < 0:
			f.Add("bed_number", "must be a non-negative integer")
		case r.BedNumber.Value > float64(maxBedNumber):
			f.Add("bed_number", "is too large")
		}
	case RolePharmacist:
		lenBetween(f, "license_no", r.LicenseNo, 2, maxNumberLen)
	}

	return f.Err()
}

// maxBedNumber keeps bed_number inside a Postgres INTEGER.
const maxBedNumber = 1<<31 - 1

func (r *LoginRequest) validate() (Role, error) {
	f := apperr.FieldErrors{}
	role, err := ParseRole(r.Role)
	if err != nil {
		f.Add("role", "must be one of patient, doctor, hospital, pharmacist")
	}
	minLen(f, "identifier", strings.TrimSpace(r.Identifier), minIdentifierLen)
	checkPassword(f, "password", r.Password)
	return role, f.Err()
}
