// Package ops exposes the operator HTTP surface: authentication, health,
// metrics, and lifecycle control over the registered connectivity services.
package ops

import (
	"fmt"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 14

// Auth issues and verifies operator JWTs against a single admin credential.
type Auth struct {
	tokenAuth   *jwtauth.JWTAuth
	adminUser   string
	passHash    string
	tokenExpiry time.Duration
}

// NewAuth builds the operator authenticator. The password is supplied as a
// bcrypt hash, never in the clear.
func NewAuth(jwtSecret, adminUser, passHash string, tokenExpiry time.Duration) (*Auth, error) {
	if jwtSecret == "" {
		return nil, fmt.Errorf("ops: jwt secret is required")
	}
	if adminUser == "" || passHash == "" {
		return nil, fmt.Errorf("ops: admin credentials are required")
	}
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	return &Auth{
		tokenAuth:   jwtauth.New("HS256", []byte(jwtSecret), nil),
		adminUser:   adminUser,
		passHash:    passHash,
		tokenExpiry: tokenExpiry,
	}, nil
}

// TokenAuth returns the JWT verifier for router middleware.
func (a *Auth) TokenAuth() *jwtauth.JWTAuth {
	return a.tokenAuth
}

// Login verifies the credential pair and issues a signed admin token.
func (a *Auth) Login(user, password string) (string, error) {
	if user != a.adminUser {
		return "", fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passHash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}

	claims := map[string]interface{}{
		"sub":  user,
		"role": "admin",
	}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, a.tokenExpiry)

	_, tokenString, err := a.tokenAuth.Encode(claims)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}
	return tokenString, nil
}

// HashPassword hashes a password for storage in configuration.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
