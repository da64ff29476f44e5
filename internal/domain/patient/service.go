package patient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/careportal/portal/internal/domain/account"
	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
	"github.com/careportal/portal/internal/platform/blobstore"
	"github.com/careportal/portal/internal/platform/db"
	"github.com/careportal/portal/pkg/flexnum"
	"github.com/careportal/portal/pkg/pagination"
)

// DefaultAvatarMaxBytes caps avatar uploads when no limit is configured.
const DefaultAvatarMaxBytes = 3 << 20

var (
	ErrProfileNotFound   = apperr.NotFound("profile not found")
	ErrSnapshotNotFound  = apperr.NotFound("snapshot not found")
	ErrContactTaken      = apperr.Conflict("email or phone already in use")
	ErrUnsupportedAvatar = apperr.Validation("only PNG/JPEG/WebP allowed")
	ErrNoMeasurements    = apperr.Validation("at least one measurement is required")
)

// avatarExt maps accepted declared MIME types to the stored file extension.
var avatarExt = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/webp": "webp",
}

// Column widths of patient_bima in migrations/002_patient_records.sql.
const (
	maxProviderLen = 120
	maxPolicyNoLen = 64
)

// insuranceStatuses is the accepted set for Insurance.Status.
var insuranceStatuses = []string{InsuranceActive, InsurancePending, InsuranceExpired}

type Service struct {
	repo           Repository
	tx             db.Transactor
	hasher         *auth.PasswordHasher
	store          blobstore.Store
	avatarMaxBytes int64
	logger         zerolog.Logger
	now            func() time.Time
}

// NewService wires the patient service. A non-positive avatarMaxBytes
// falls back to DefaultAvatarMaxBytes.
func NewService(repo Repository, tx db.Transactor, hasher *auth.PasswordHasher, store blobstore.Store, avatarMaxBytes int64, logger zerolog.Logger) *Service {
	if avatarMaxBytes <= 0 {
		avatarMaxBytes = DefaultAvatarMaxBytes
	}
	return &Service{
		repo:           repo,
		tx:             tx,
		hasher:         hasher,
		store:          store,
		avatarMaxBytes: avatarMaxBytes,
		logger:         logger,
		now:            time.Now,
	}
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrProfileNotFound
	}
	return apperr.Internal(err)
}

// -- Profile --

func (s *Service) GetProfile(ctx context.Context, patientID int64) (*Profile, error) {
	p, err := s.repo.GetProfile(ctx, patientID)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// blankToNil trims *p and drops it when nothing is left.
func blankToNil(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

func (u *ProfileUpdate) normalize() {
	u.Name = blankToNil(u.Name)
	u.Phone = blankToNil(u.Phone)
	u.Address = blankToNil(u.Address)
	if u.Email = blankToNil(u.Email); u.Email != nil {
		e := account.NormalizeEmail(*u.Email)
		u.Email = &e
	}
	if u.BloodGroup = blankToNil(u.BloodGroup); u.BloodGroup != nil {
		bg := strings.ToUpper(*u.BloodGroup)
		u.BloodGroup = &bg
	}
}

// runesBetween checks a present value against both bounds.
func runesBetween(f apperr.FieldErrors, field string, v *string, min, max int) {
	if v == nil {
		return
	}
	switch n := utf8.RuneCountInString(*v); {
	case n > max:
		f.Add(field, account.TooLong(max))
	case n < min:
		f.Add(field, fmt.Sprintf("must be at least %d characters", min))
	}
}

func (u *ProfileUpdate) validate() error {
	f := apperr.FieldErrors{}
	runesBetween(f, "name", u.Name, 2, account.MaxNameLen)
	runesBetween(f, "phone", u.Phone, 6, account.MaxPhoneLen)
	runesBetween(f, "address", u.Address, 2, account.MaxAddressLen)
	if u.Email != nil {
		switch {
		case utf8.RuneCountInString(*u.Email) > account.MaxEmailLen:
			f.Add("email", account.TooLong(account.MaxEmailLen))
		case !account.ValidEmail(*u.Email):
			f.Add("email", "invalid email address")
		}
	}
	if u.BloodGroup != nil && !account.ValidBloodGroup(*u.BloodGroup) {
		f.Add("blood_group", "must be one of "+strings.Join(account.BloodGroups, ", "))
	}
	return f.Err()
}

// UpdateProfile applies the fields present in u and returns the stored
// profile. Omitted or blank fields keep their current value.
func (s *Service) UpdateProfile(ctx context.Context, patientID int64, u ProfileUpdate) (*Profile, error) {
	u.normalize()
	if err := u.validate(); err != nil {
		return nil, err
	}

	taken, err := s.repo.ContactTaken(ctx, patientID, u.Email, u.Phone)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if taken {
		return nil, ErrContactTaken
	}

	if err := s.repo.UpdateProfile(ctx, patientID, u); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil, err
		}
		return nil, notFound(err)
	}
	return s.GetProfile(ctx, patientID)
}

// ChangePassword re-authenticates with current before storing next.
func (s *Service) ChangePassword(ctx context.Context, patientID int64, req PasswordChange) error {
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return apperr.Validation("current_password and new_password are required")
	}
	if account.PasswordTooLong(req.NewPassword) {
		f := apperr.FieldErrors{}
		f.Add("new_password", fmt.Sprintf("must be at most %d bytes", auth.MaxPasswordBytes))
		return f.Err()
	}
	if utf8.RuneCountInString(req.NewPassword) < 6 {
		f := apperr.FieldErrors{}
		f.Add("new_password", "must be at least 6 characters")
		return f.Err()
	}

	hash, err := s.repo.PasswordHash(ctx, patientID)
	if err != nil {
		return notFound(err)
	}
	if err := s.hasher.Compare(hash, req.CurrentPassword); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return &apperr.Error{
				Kind:    apperr.KindUnauthenticated,
				Message: "current password is incorrect",
				Err:     account.ErrInvalidCredentials,
			}
		}
		return apperr.Internal(err)
	}

	next, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := s.repo.SetPasswordHash(ctx, patientID, next); err != nil {
		return notFound(err)
	}
	return nil
}

// -- Avatar --

func (s *Service) avatarTooLarge() error {
	return apperr.PayloadTooLarge(fmt.Sprintf("avatar must be at most %d bytes", s.avatarMaxBytes))
}

// SetAvatar stores the image and points the profile at it. The previous
// avatar object is removed once the profile no longer references it.
func (s *Service) SetAvatar(ctx context.Context, patientID int64, up AvatarUpload) (string, error) {
	mediaType, _, err := mime.ParseMediaType(up.ContentType)
	if err != nil {
		return "", ErrUnsupportedAvatar
	}
	ext, ok := avatarExt[strings.ToLower(mediaType)]
	if !ok {
		return "", ErrUnsupportedAvatar
	}
	if up.Size > s.avatarMaxBytes {
		return "", s.avatarTooLarge()
	}

	data, err := io.ReadAll(io.LimitReader(up.Body, s.avatarMaxBytes+1))
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("read avatar: %w", err))
	}
	if int64(len(data)) > s.avatarMaxBytes {
		return "", s.avatarTooLarge()
	}
	if len(data) == 0 {
		return "", apperr.Validation("avatar file is empty")
	}

	key := fmt.Sprintf("avatars/patient-%d-%d.%s", patientID, s.now().UnixMilli(), ext)
	obj, err := s.store.Put(ctx, key, strings.ToLower(mediaType), bytes.NewReader(data))
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("store avatar: %w", err))
	}

	var previous *string
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		old, err := s.repo.LockAvatarURL(ctx, patientID)
		if err != nil {
			return err
		}
		previous = old
		return s.repo.SetAvatarURL(ctx, patientID, obj.URL)
	})
	if err != nil {
		s.removeObject(ctx, key)
		return "", notFound(err)
	}

	if previous != nil && *previous != obj.URL {
		if oldKey, ok := s.store.KeyFromURL(*previous); ok {
			s.removeObject(ctx, oldKey)
		}
	}
	return obj.URL, nil
}

// removeObject deletes key, logging failures instead of returning them.
func (s *Service) removeObject(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to remove avatar object")
	}
}

// -- Insurance --

func (in *InsuranceInput) validate() error {
	in.Provider = strings.TrimSpace(in.Provider)
	in.PolicyNo = strings.TrimSpace(in.PolicyNo)
	in.Status = strings.TrimSpace(in.Status)
	in.ValidTill = strings.TrimSpace(in.ValidTill)

	f := apperr.FieldErrors{}
	switch {
	case in.Provider == "":
		f.Add("provider", "is required")
	case utf8.RuneCountInString(in.Provider) > maxProviderLen:
		f.Add("provider", account.TooLong(maxProviderLen))
	}
	switch {
	case in.PolicyNo == "":
		f.Add("policy_no", "is required")
	case utf8.RuneCountInString(in.PolicyNo) > maxPolicyNoLen:
		f.Add("policy_no", account.TooLong(maxPolicyNoLen))
	}
	valid := false
	for _, st := range insuranceStatuses {
		if in.Status == st {
			valid = true
		}
	}
	if !valid {
		f.Add("status", "must be one of "+strings.Join(insuranceStatuses, ", "))
	}
	if in.ValidTill != "" {
		if _, err := time.Parse(time.DateOnly, in.ValidTill); err != nil {
			f.Add("valid_till", "must be a calendar date (YYYY-MM-DD)")
		}
	}
	return f.Err()
}

// UpsertInsurance replaces the patient's insurance record, creating it on
// first save.
func (s *Service) UpsertInsurance(ctx context.Context, patientID int64, in InsuranceInput) (*Insurance, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	out, err := s.repo.UpsertInsurance(ctx, patientID, in)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// GetInsurance returns nil without error when no record was saved yet.
func (s *Service) GetInsurance(ctx context.Context, patientID int64) (*Insurance, error) {
	out, err := s.repo.GetInsurance(ctx, patientID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// -- Health history --

type measurement struct {
	field string
	value flexnum.Number
	max   float64
	dst   **float64
}

// RecordHealthSnapshot validates the present measurements and stores them
// with a server-computed BMI.
func (s *Service) RecordHealthSnapshot(ctx context.Context, patientID int64, in SnapshotInput) (*HealthSnapshot, error) {
	snap := &HealthSnapshot{PatientID: patientID}
	fields := []measurement{
		{"age", in.Age, 150, &snap.Age},
		{"height_cm", in.HeightCm, 300, &snap.HeightCm},
		{"weight_kg", in.WeightKg, 700, &snap.WeightKg},
		{"bp_sys", in.BpSys, 300, &snap.BpSys},
		{"bp_dia", in.BpDia, 200, &snap.BpDia},
	}

	f := apperr.FieldErrors{}
	present := 0
	for _, m := range fields {
		switch {
		case m.value.Invalid:
			f.Add(m.field, "must be a number")
		case !m.value.Set:
		case m.value.Value < 0 || m.value.Value > m.max:
			f.Add(m.field, fmt.Sprintf("must be between 0 and %g", m.max))
		default:
			*m.dst = m.value.Ptr()
			present++
		}
	}
	if err := f.Err(); err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, ErrNoMeasurements
	}

	snap.BMI = BMI(snap.HeightCm, snap.WeightKg)

	if err := s.repo.CreateSnapshot(ctx, snap); err != nil {
		return nil, apperr.Internal(err)
	}
	return snap, nil
}

// BMI returns weight / height(m)^2 rounded to one decimal, or nil unless
// both values are present and positive.
func BMI(heightCm, weightKg *float64) *float64 {
	if heightCm == nil || weightKg == nil || *heightCm <= 0 || *weightKg <= 0 {
		return nil
	}
	m := *heightCm / 100
	v := math.Round(*weightKg/(m*m)*10) / 10
	return &v
}

// ListHealthHistory returns the newest snapshots first. limit is clamped
// to the history bounds; callers without a limit pass zero to get the
// default. HTTP requests resolve an explicit "0" to 1 before reaching here.
func (s *Service) ListHealthHistory(ctx context.Context, patientID int64, limit int) ([]*HealthSnapshot, error) {
	if limit == 0 {
		limit = pagination.HistoryBounds.Default
	}
	out, err := s.repo.ListSnapshots(ctx, patientID, pagination.HistoryBounds.Clamp(limit))
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// DeleteHealthSnapshot removes a snapshot owned by patientID. A snapshot of
// another patient is indistinguishable from a missing one.
func (s *Service) DeleteHealthSnapshot(ctx context.Context, patientID, snapshotID int64) error {
	ok, err := s.repo.DeleteSnapshot(ctx, patientID, snapshotID)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return ErrSnapshotNotFound
	}
	return nil
}
