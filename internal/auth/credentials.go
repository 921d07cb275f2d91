package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any failed login. It does not say
// which part was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// BcryptCost is the cost used by HashPassword
const BcryptCost = 12

// HashPassword hashes an admin password for the configuration file
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Authenticator exchanges the configured admin credentials for a token
type Authenticator struct {
	username     string
	passwordHash []byte
	tokens       *TokenService
}

// NewAuthenticator creates an Authenticator
func NewAuthenticator(username, passwordHash string, tokens *TokenService) *Authenticator {
	return &Authenticator{
		username:     username,
		passwordHash: []byte(passwordHash),
		tokens:       tokens,
	}
}

// Login checks username and password and returns a signed token
func (a *Authenticator) Login(username, password string) (*Token, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	// Always run bcrypt so an unknown user costs the same as a bad password.
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return nil, ErrInvalidCredentials
	}
	return a.tokens.Generate(a.username)
}

// Tokens returns the token service used to validate requests
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}
