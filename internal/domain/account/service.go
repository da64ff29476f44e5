package account

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
)

var (
	// ErrUnknownIdentifier is the cause of a login whose identifier matched
	// no account. It is rendered exactly like ErrInvalidCredentials.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrInvalidCredentials is the cause of a login with a wrong password.
	ErrInvalidCredentials = errors.New("password does not match")
)

// AttemptRecorder counts authentication outcomes.
type AttemptRecorder interface {
	RecordAuthAttempt(action, role, outcome string)
}

// InvalidCredentials wraps cause in the 401 shared by every login failure.
func InvalidCredentials(cause error) error {
	return &apperr.Error{Kind: apperr.KindUnauthenticated, Message: "invalid credentials", Err: cause}
}

type Service struct {
	repo    Repository
	hasher  *auth.PasswordHasher
	tokens  *auth.TokenIssuer
	metrics AttemptRecorder
	logger  zerolog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewService wires the account service. metrics may be nil.
func NewService(repo Repository, hasher *auth.PasswordHasher, tokens *auth.TokenIssuer, metrics AttemptRecorder, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		hasher:  hasher,
		tokens:  tokens,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Service) record(action string, role Role, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			outcome = "invalid"
		case apperr.KindConflict:
			outcome = "conflict"
		case apperr.KindUnauthenticated:
			outcome = "denied"
		default:
			outcome = "error"
		}
	}
	label := string(role)
	if label == "" {
		label = "unknown"
	}
	s.metrics.RecordAuthAttempt(action, label, outcome)
}

// Register validates req for role and stores a new account. It does not
// sign the caller in.
func (s *Service) Register(ctx context.Context, role Role, req RegisterRequest) (err error) {
	defer func() { s.record("register", role, err) }()

	if !role.Valid() {
		return apperr.Validation("unknown role")
	}
	req.normalize()
	if err := req.validate(role); err != nil {
		return err
	}

	taken, err := s.repo.EmailOrPhoneTaken(ctx, role, req.Email, req.Phone)
	if err != nil {
		return apperr.Internal(err)
	}
	if taken {
		return ErrEmailOrPhoneTaken
	}

	a := &Account{
		Role:           role,
		Name:           req.Name,
		Phone:          req.Phone,
		Email:          req.Email,
		Address:        req.Address,
		BloodGroup:     req.BloodGroup,
		Degree:         req.Degree,
		Specialization: req.Specialization,
		RegistrationNo: req.RegistrationNo,
		HospitalType:   req.HospitalType,
		BedNumber:      int(req.BedNumber.Value),
		LicenseNo:      req.LicenseNo,
	}

	if role.UniqueField() != "" {
		taken, err := s.repo.FieldTaken(ctx, role, a.UniqueValue())
		if err != nil {
			return apperr.Internal(err)
		}
		if taken {
			return uniqueConflict(role)
		}
	}

	a.PasswordHash, err = s.hasher.Hash(req.Password)
	if err != nil {
		return apperr.Internal(err)
	}

	if err := s.repo.Create(ctx, a); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return err
		}
		return apperr.Internal(err)
	}

	s.logger.Info().Str("role", string(role)).Int64("account_id", a.ID).Msg("account registered")
	return nil
}

// Login checks the credentials and returns a signed token. An unknown
// identifier and a wrong password produce the same error.
func (s *Service) Login(ctx context.Context, req LoginRequest) (res *LoginResult, err error) {
	role, verr := req.validate()
	defer func() { s.record("login", role, err) }()
	if verr != nil {
		return nil, verr
	}

	a, err := s.repo.FindByIdentifier(ctx, role, req.Identifier)
	if errors.Is(err, ErrNotFound) {
		s.burnCompare(req.Password)
		return nil, InvalidCredentials(ErrUnknownIdentifier)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if err := s.hasher.Compare(a.PasswordHash, req.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, InvalidCredentials(ErrInvalidCredentials)
		}
		return nil, apperr.Internal(err)
	}

	token, exp, err := s.tokens.Sign(auth.Identity{Subject: a.ID, Role: string(role)})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: exp,
		User: UserSummary{
			ID:    a.ID,
			Role:  role,
			Name:  a.Name,
			Email: a.Email,
			Phone: a.Phone,
		},
	}, nil
}

// burnCompare spends one bcrypt comparison so unknown identifiers take as
// long as wrong passwords.
func (s *Service) burnCompare(plain string) {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("not-a-real-password")
		if err != nil {
			s.logger.Warn().Err(err).Msg("could not prepare dummy password hash")
			return
		}
		s.dummyHash = h
	})
	if s.dummyHash != "" {
		_ = s.hasher.Compare(s.dummyHash, plain)
	}
}

// Verify implements auth.Verifier. The returned identity always names a
// known role.
func (s *Service) Verify(raw string) (auth.Identity, error) {
	id, err := s.tokens.Verify(raw)
	if err == nil {
		if _, perr := ParseRole(id.Role); perr != nil {
			err = perr
		}
	}
	if err != nil {
		return auth.Identity{}, &apperr.Error{
			Kind:    apperr.KindUnauthenticated,
			Message: auth.ErrInvalidToken.Error(),
			Err:     auth.ErrInvalidToken,
		}
	}
	return id, nil
}
