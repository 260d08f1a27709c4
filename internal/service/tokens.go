package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenExpired = errors.New("token expired")

const tokenIssuer = "keygate"

// AdminPrincipal identifies the operator behind an admin bearer token.
type AdminPrincipal struct {
	Subject string
}

// TokenService mints and verifies the HS256 bearer tokens that guard key
// management endpoints.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Enabled reports whether a signing secret is configured. Without one no
// token validates.
func (s *TokenService) Enabled() bool {
	return len(s.secret) > 0
}

// Issue creates a signed token for subject valid for ttl.
func (s *TokenService) Issue(subject string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", errors.New("jwt secret is not configured")
	}
	if subject == "" {
		return "", errors.New("token subject is required")
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    tokenIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate verifies a bearer token and returns the admin it was issued to.
func (s *TokenService) Validate(tokenStr string) (*AdminPrincipal, error) {
	if !s.Enabled() {
		return nil, ErrInvalidCredentials
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	return &AdminPrincipal{Subject: claims.Subject}, nil
}
