package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
	"github.com/careportal/portal/pkg/flexnum"
)

// -- Mock Repository --

type mockRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[Role][]*Account

	// skipPrecheck makes the existence checks miss, as when two requests race.
	skipPrecheck bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{rows: make(map[Role][]*Account)}
}

func (m *mockRepo) EmailOrPhoneTaken(_ context.Context, role Role, email, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.skipPrecheck {
		return false, nil
	}
	for _, a := range m.rows[role] {
		if a.Email == email || a.Phone == phone {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) FieldTaken(_ context.Context, role Role, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.skipPrecheck {
		return false, nil
	}
	for _, a := range m.rows[role] {
		if a.UniqueValue() == value {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows[a.Role] {
		if existing.Email == a.Email || existing.Phone == a.Phone {
			return ErrEmailOrPhoneTaken
		}
		if a.Role.UniqueField() != "" && existing.UniqueValue() == a.UniqueValue() {
			return uniqueConflict(a.Role)
		}
	}
	m.nextID++
	a.ID = m.nextID
	a.CreatedAt = time.Now()
	cp := *a
	m.rows[a.Role] = append(m.rows[a.Role], &cp)
	return nil
}

func (m *mockRepo) FindByIdentifier(_ context.Context, role Role, identifier string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows[role] {
		if a.Email == NormalizeEmail(identifier) || a.Phone == identifier {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type recordedAttempt struct{ action, role, outcome string }

type mockRecorder struct {
	mu       sync.Mutex
	attempts []recordedAttempt
}

func (r *mockRecorder) RecordAuthAttempt(action, role, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, recordedAttempt{action, role, outcome})
}

func (r *mockRecorder) last() recordedAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) == 0 {
		return recordedAttempt{}
	}
	return r.attempts[len(r.attempts)-1]
}

func newTestTokens(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret: []byte("account-test-secret"),
		Issuer: "careportal",
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return tokens
}

func newTestService(t *testing.T) (*Service, *mockRepo, *mockRecorder) {
	t.Helper()
	repo := newMockRepo()
	rec := &mockRecorder{}
	svc := NewService(repo, auth.NewPasswordHasher(4), newTestTokens(t), rec, zerolog.Nop())
	return svc, repo, rec
}

func validPatient() RegisterRequest {
	return RegisterRequest{
		Name:            "Asha Rao",
		Phone:           "9876543210",
		Email:           "asha@example.com",
		Address:         "12 MG Road",
		Password:        "secret123",
		ConfirmPassword: "secret123",
		BloodGroup:      "O+",
	}
}

func validDoctor() RegisterRequest {
	r := validPatient()
	r.BloodGroup = ""
	r.Degree = "MBBS"
	r.Specialization = "Cardiology"
	r.RegistrationNo = "REG-100"
	return r
}

func validHospital() RegisterRequest {
	r := validPatient()
	r.BloodGroup = ""
	r.HospitalType = "General"
	r.BedNumber = flexnum.Of(120)
	return r
}

func validPharmacist() RegisterRequest {
	r := validPatient()
	r.BloodGroup = ""
	r.LicenseNo = "LIC-9"
	return r
}

func fieldErrors(t *testing.T, err error) map[string][]string {
	t.Helper()
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	return ae.Fields
}

func TestService_RegisterThenLogin_AllRoles(t *testing.T) {
	payloads := map[Role]RegisterRequest{
		RolePatient:    validPatient(),
		RoleDoctor:     validDoctor(),
		RoleHospital:   validHospital(),
		RolePharmacist: validPharmacist(),
	}
	for role, req := range payloads {
		t.Run(string(role), func(t *testing.T) {
			svc, repo, _ := newTestService(t)
			ctx := context.Background()

			if err := svc.Register(ctx, role, req); err != nil {
				t.Fatalf("Register: %v", err)
			}
			stored := repo.rows[role][0]
			if stored.PasswordHash == "" || stored.PasswordHash == req.Password {
				t.Fatal("expected password to be stored hashed")
			}

			for _, identifier := range []string{req.Email, req.Phone} {
				res, err := svc.Login(ctx, LoginRequest{Role: string(role), Identifier: identifier, Password: req.Password})
				if err != nil {
					t.Fatalf("Login(%s): %v", identifier, err)
				}
				if res.Token == "" {
					t.Error("expected token")
				}
				if res.User.ID != stored.ID || res.User.Role != role || res.User.Email != req.Email {
					t.Errorf("unexpected user projection %+v", res.User)
				}

				id, err := svc.Verify(res.Token)
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				if id.Subject != stored.ID || id.Role != string(role) {
					t.Errorf("unexpected identity %+v", id)
				}
			}
		})
	}
}

func TestService_Register_HospitalBedNumberString(t *testing.T) {
	svc, repo, _ := newTestService(t)
	req := validHospital()
	if err := req.BedNumber.UnmarshalJSON([]byte(`"45"`)); err != nil {
		t.Fatal(err)
	}
	if err := svc.Register(context.Background(), RoleHospital, req); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := repo.rows[RoleHospital][0].BedNumber; got != 45 {
		t.Errorf("expected bed_number 45, got %d", got)
	}
}

func TestService_Register_EmailNormalized(t *testing.T) {
	svc, repo, _ := newTestService(t)
	req := validPatient()
	req.Email = "  Asha@Example.COM "
	if err := svc.Register(context.Background(), RolePatient, req); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := repo.rows[RolePatient][0].Email; got != "asha@example.com" {
		t.Errorf("expected normalized email, got %q", got)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Role: "patient", Identifier: "ASHA@example.com", Password: req.Password}); err != nil {
		t.Errorf("expected login with differently cased email to succeed: %v", err)
	}
}

func TestService_Register_Validation(t *testing.T) {
	tests := []struct {
		name  string
		role  Role
		edit  func(r *RegisterRequest)
		field string
	}{
		{"short name", RolePatient, func(r *RegisterRequest) { r.Name = " A " }, "name"},
		{"short phone", RolePatient, func(r *RegisterRequest) { r.Phone = "123" }, "phone"},
		{"bad email", RolePatient, func(r *RegisterRequest) { r.Email = "not-an-email" }, "email"},
		{"display name email", RolePatient, func(r *RegisterRequest) { r.Email = "Asha <asha@example.com>" }, "email"},
		{"short address", RolePatient, func(r *RegisterRequest) { r.Address = "x" }, "address"},
		{"short password", RolePatient, func(r *RegisterRequest) { r.Password, r.ConfirmPassword = "abc", "abc" }, "password"},
		{"password mismatch", RolePatient, func(r *RegisterRequest) { r.ConfirmPassword = "secret124" }, "confirm_password"},
		{"blood group", RolePatient, func(r *RegisterRequest) { r.BloodGroup = "C+" }, "blood_group"},
		{"degree", RoleDoctor, func(r *RegisterRequest) { r.Degree = "M" }, "degree"},
		{"specialization", RoleDoctor, func(r *RegisterRequest) { r.Specialization = "" }, "specialization"},
		{"registration", RoleDoctor, func(r *RegisterRequest) { r.RegistrationNo = "R" }, "registration_no"},
		{"hospital type", RoleHospital, func(r *RegisterRequest) { r.HospitalType = "GH" }, "hospital_type"},
		{"bed missing", RoleHospital, func(r *RegisterRequest) { r.BedNumber = flexnum.Number{} }, "bed_number"},
		{"bed negative", RoleHospital, func(r *RegisterRequest) { r.BedNumber = flexnum.Of(-1) }, "bed_number"},
		{"bed fraction", RoleHospital, func(r *RegisterRequest) { r.BedNumber = flexnum.Of(2.5) }, "bed_number"},
		{"bed not numeric", RoleHospital, func(r *RegisterRequest) { r.BedNumber = flexnum.Number{Invalid: true} }, "bed_number"},
		{"license", RolePharmacist, func(r *RegisterRequest) { r.LicenseNo = "" }, "license_no"},
		{"long name", RolePatient, func(r *RegisterRequest) { r.Name = strings.Repeat("é", 121) }, "name"},
		{"long phone", RolePatient, func(r *RegisterRequest) { r.Phone = strings.Repeat("9", 33) }, "phone"},
		{"long email", RolePatient, func(r *RegisterRequest) { r.Email = strings.Repeat("a", 244) + "@example.com" }, "email"},
		{"long address", RolePatient, func(r *RegisterRequest) { r.Address = strings.Repeat("x", 501) }, "address"},
		{"long password", RolePatient, func(r *RegisterRequest) {
			r.Password = strings.Repeat("p", 73)
			r.ConfirmPassword = r.Password
		}, "password"},
		{"long degree", RoleDoctor, func(r *RegisterRequest) { r.Degree = strings.Repeat("d", 121) }, "degree"},
		{"long registration", RoleDoctor, func(r *RegisterRequest) { r.RegistrationNo = strings.Repeat("R", 65) }, "registration_no"},
		{"long hospital type", RoleHospital, func(r *RegisterRequest) { r.HospitalType = strings.Repeat("h", 121) }, "hospital_type"},
		{"long license", RolePharmacist, func(r *RegisterRequest) { r.LicenseNo = strings.Repeat("L", 65) }, "license_no"},
	}
	base := map[Role]func() RegisterRequest{
		RolePatient:    validPatient,
		RoleDoctor:     validDoctor,
		RoleHospital:   validHospital,
		RolePharmacist: validPharmacist,
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, rec := newTestService(t)
			req := base[tt.role]()
			tt.edit(&req)

			err := svc.Register(context.Background(), tt.role, req)
			fields := fieldErrors(t, err)
			if len(fields[tt.field]) == 0 {
				t.Errorf("expected error on %q, got %v", tt.field, fields)
			}
			if len(repo.rows[tt.role]) != 0 {
				t.Error("invalid registration must not be stored")
			}
			if got := rec.last(); got.outcome != "invalid" {
				t.Errorf("expected invalid outcome recorded, got %+v", got)
			}
		})
	}
}

func TestService_Register_LengthLimitsCountRunes(t *testing.T) {
	svc, repo, _ := newTestService(t)
	req := validDoctor()
	req.Name = strings.Repeat("é", 120)
	req.Phone = strings.Repeat("9", 32)
	req.RegistrationNo = strings.Repeat("R", 64)
	req.Password = strings.Repeat("p", 72)
	req.ConfirmPassword = req.Password

	if err := svc.Register(context.Background(), RoleDoctor, req); err != nil {
		t.Fatalf("values at the column limits must be accepted, got %v", err)
	}
	if len(repo.rows[RoleDoctor]) != 1 {
		t.Error("expected the doctor to be stored")
	}
}

func TestService_Register_PasswordMismatchMessage(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := validPatient()
	req.ConfirmPassword = "different1"
	fields := fieldErrors(t, svc.Register(context.Background(), RolePatient, req))
	if fields["confirm_password"][0] != "passwords do not match" {
		t.Errorf("unexpected message %q", fields["confirm_password"][0])
	}
}

func TestService_Register_ConflictSameRole(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	if err := svc.Register(ctx, RolePatient, validPatient()); err != nil {
		t.Fatal(err)
	}

	sameEmail := validPatient()
	sameEmail.Phone = "1111111111"
	if err := svc.Register(ctx, RolePatient, sameEmail); !errors.Is(err, ErrEmailOrPhoneTaken) {
		t.Errorf("expected email conflict, got %v", err)
	}
	if got := rec.last(); got.outcome != "conflict" {
		t.Errorf("expected conflict outcome recorded, got %+v", got)
	}

	samePhone := validPatient()
	samePhone.Email = "other@example.com"
	err := svc.Register(ctx, RolePatient, samePhone)
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected phone conflict, got %v", err)
	}
}

func TestService_Register_SameEmailDifferentRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.Register(ctx, RolePatient, validPatient()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Register(ctx, RoleDoctor, validDoctor()); err != nil {
		t.Errorf("same email in another role must not conflict: %v", err)
	}
}

func TestService_Register_RoleUniqueField(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Register(ctx, RoleDoctor, validDoctor()); err != nil {
		t.Fatal(err)
	}
	dup := validDoctor()
	dup.Email, dup.Phone = "second@example.com", "2222222222"
	if err := svc.Register(ctx, RoleDoctor, dup); !errors.Is(err, ErrRegistrationTaken) {
		t.Errorf("expected registration conflict, got %v", err)
	}

	if err := svc.Register(ctx, RolePharmacist, validPharmacist()); err != nil {
		t.Fatal(err)
	}
	dupLic := validPharmacist()
	dupLic.Email, dupLic.Phone = "third@example.com", "3333333333"
	if err := svc.Register(ctx, RolePharmacist, dupLic); !errors.Is(err, ErrLicenseTaken) {
		t.Errorf("expected license conflict, got %v", err)
	}
}

func TestService_Register_StoreConflictIsAuthoritative(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.Register(ctx, RolePatient, validPatient()); err != nil {
		t.Fatal(err)
	}

	repo.skipPrecheck = true
	err := svc.Register(ctx, RolePatient, validPatient())
	if !errors.Is(err, ErrEmailOrPhoneTaken) {
		t.Errorf("expected store conflict to surface, got %v", err)
	}
	if len(repo.rows[RolePatient]) != 1 {
		t.Errorf("expected a single stored row, got %d", len(repo.rows[RolePatient]))
	}
}

func TestService_Login_WrongPasswordAndUnknownLookAlike(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	if err := svc.Register(ctx, RolePatient, validPatient()); err != nil {
		t.Fatal(err)
	}

	wrong, err1 := svc.Login(ctx, LoginRequest{Role: "patient", Identifier: "asha@example.com", Password: "wrongpass"})
	unknown, err2 := svc.Login(ctx, LoginRequest{Role: "patient", Identifier: "nobody@example.com", Password: "wrongpass"})
	if wrong != nil || unknown != nil {
		t.Fatal("expected no result on failed login")
	}
	if !errors.Is(err1, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials cause, got %v", err1)
	}
	if !errors.Is(err2, ErrUnknownIdentifier) {
		t.Errorf("expected ErrUnknownIdentifier cause, got %v", err2)
	}

	var a1, a2 *apperr.Error
	errors.As(err1, &a1)
	errors.As(err2, &a2)
	if a1.Kind != apperr.KindUnauthenticated || a1.Kind != a2.Kind || a1.Message != a2.Message {
		t.Errorf("expected identical rendering, got %+v and %+v", a1, a2)
	}
	if got := rec.last(); got.action != "login" || got.outcome != "denied" {
		t.Errorf("unexpected recorded attempt %+v", got)
	}
}

func TestService_Login_RoleScoped(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.Register(ctx, RolePatient, validPatient()); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Login(ctx, LoginRequest{Role: "doctor", Identifier: "asha@example.com", Password: "secret123"})
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Errorf("expected patient credentials to be unknown to the doctor table, got %v", err)
	}
}

func TestService_Login_Validation(t *testing.T) {
	svc, _, rec := newTestService(t)
	tests := []struct {
		req   LoginRequest
		field string
	}{
		{LoginRequest{Role: "admin", Identifier: "asha@example.com", Password: "secret123"}, "role"},
		{LoginRequest{Role: "patient", Identifier: "ab", Password: "secret123"}, "identifier"},
		{LoginRequest{Role: "patient", Identifier: "asha@example.com", Password: "12345"}, "password"},
		{LoginRequest{Role: "patient", Identifier: "asha@example.com", Password: strings.Repeat("p", 73)}, "password"},
	}
	for _, tt := range tests {
		_, err := svc.Login(context.Background(), tt.req)
		fields := fieldErrors(t, err)
		if len(fields[tt.field]) == 0 {
			t.Errorf("expected error on %q, got %v", tt.field, fields)
		}
	}
	if got := rec.last(); got.role != "unknown" && got.role != "patient" {
		t.Errorf("unexpected role label %q", got.role)
	}
}

func TestService_Verify_Rejects(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Verify("not.a.token"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Errorf("expected unauthenticated for malformed token, got %v", err)
	}

	other, err := auth.NewTokenIssuer(auth.TokenConfig{Secret: []byte("other"), Issuer: "careportal", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	foreign, _, _ := other.Sign(auth.Identity{Subject: 1, Role: "patient"})
	if _, err := svc.Verify(foreign); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected invalid token for foreign signature, got %v", err)
	}

	bogusRole, _, _ := svc.tokens.Sign(auth.Identity{Subject: 1, Role: "admin"})
	if _, err := svc.Verify(bogusRole); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected unknown role to be rejected, got %v", err)
	}
}
