// Package auth issues and validates the bearer tokens that guard the admin API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminRole is the only role the admin API knows.
const AdminRole = "admin"

// Claims represents the JWT claims structure
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Operator returns the operator name from the Subject claim
func (c *Claims) Operator() string {
	return c.Subject
}

// TokenService handles JWT token generation and validation
type TokenService struct {
	secret string
	expiry time.Duration
	issuer string
	now    func() time.Time
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig) *TokenService {
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Hour
	}
	return &TokenService{
		secret: cfg.Secret,
		expiry: cfg.Expiry,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// Token is a signed access token
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Generate signs a token for operator
func (s *TokenService) Generate(operator string) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)

	claims := Claims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.secret))
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.expiry.Seconds()),
		ExpiresAt:   expiresAt.UTC(),
	}, nil
}

// Validate checks signature, expiry, issuer and role
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != AdminRole {
		return nil, errors.New("invalid token role")
	}
	return claims, nil
}

// Expiry returns the token lifetime
func (s *TokenService) Expiry() time.Duration {
	return s.expiry
}
