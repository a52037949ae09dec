// Package auth - jwt.go handles actor bearer tokens: creation, signing and verification using a
// shared secret, including lazy secret initialization and claims parsing.
//
// Tokens are minted by the external authentication subsystem (or `server token` in development)
// and carry everything the tenant resolver needs about the actor: id, display name, auth source,
// whether a second factor was verified, and the superuser flag.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docvault/docvault/internal/tenant"
)

var (
	// jwtSecret holds the validated JWT secret
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error

	// TokenIssuer is written into and required on every token. cmd/server sets it from auth.issuer.
	TokenIssuer = "docvault"
)

// Claims represents the JWT claims structure
type Claims struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"name"`
	AuthSource   string `json:"auth_source"`
	SecondFactor bool   `json:"second_factor,omitempty"`
	Superuser    bool   `json:"superuser,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the actor identity used by tenant resolution.
func (c *Claims) Actor() tenant.Actor {
	return tenant.Actor{
		ID:                   c.UserID,
		DisplayName:          c.DisplayName,
		AuthSource:           c.AuthSource,
		SecondFactorVerified: c.SecondFactor,
		Superuser:            c.Superuser,
	}
}

// isDevMode checks if we're in development mode (duplicated here to avoid import cycle)
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")
	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidateJWTSecret checks that the JWT secret is properly configured.
// In production, this will fail if DVT_JWT_SECRET is not set.
// In dev mode, it will generate a random secret and log a warning.
// Call this at application startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("DVT_JWT_SECRET")

		if secret == "" {
			if !isDevMode() {
				jwtSecretErr = errors.New("DVT_JWT_SECRET environment variable is required in production; " +
					"generate one with: openssl rand -hex 32")
				return
			}
			generated, err := generateRandomSecret()
			if err != nil {
				jwtSecretErr = fmt.Errorf("failed to generate development JWT secret: %w", err)
				return
			}
			jwtSecret = generated
			slog.Warn("DVT_JWT_SECRET not set, using an auto-generated secret for development; tokens will not survive a restart")
			return
		}

		if len(secret) < 32 {
			slog.Warn("DVT_JWT_SECRET is shorter than the recommended 32 characters")
		}
		jwtSecret = secret
	})

	return jwtSecretErr
}

// GetJWTSecret retrieves the validated JWT secret.
// Panics if ValidateJWTSecret() hasn't been called or failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT creates a bearer token for an actor
func GenerateJWT(actor tenant.Actor, expiresIn time.Duration) (string, error) {
	if actor.ID == "" {
		return "", errors.New("actor id is required")
	}
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		UserID:       actor.ID,
		DisplayName:  actor.DisplayName,
		AuthSource:   actor.AuthSource,
		SecondFactor: actor.SecondFactorVerified,
		Superuser:    actor.Superuser,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    TokenIssuer,
			Subject:   actor.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates a bearer token
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, errors.New("token subject does not match user id")
	}
	return claims, nil
}
