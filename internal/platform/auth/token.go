package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure: malformed input, bad
// signature, unexpected algorithm, wrong issuer and expiry.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the JWT payload. Subject carries the account id in decimal.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token signing secret is empty")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", cfg.TTL)
	}
	return &TokenIssuer{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    time.Now,
	}, nil
}

// Sign issues a token for id and returns it with its expiry.
func (t *TokenIssuer) Sign(id Identity) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.Subject, 10),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: id.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses raw and returns the identity it carries.
func (t *TokenIssuer) Verify(raw string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || sub <= 0 || claims.Role == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: sub, Role: claims.Role}, nil
}
