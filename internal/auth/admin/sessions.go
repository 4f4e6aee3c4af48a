// Package admin issues and validates administrator sessions: a bcrypt
// password check followed by a signed HS256 JWT.
package admin

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relaypool/gemini-relay/internal/db"
	"golang.org/x/crypto/bcrypt"
)

const (
	passwordHashSetting = "admin_password_hash"
	jwtSecretSetting    = "jwt_secret"
	sessionTTL          = 24 * time.Hour
)

// ErrInvalidCredentials is returned on a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Sessions manages the admin password hash and session tokens.
type Sessions struct {
	store  *db.Store
	secret []byte
}

// NewSessions prepares the session manager. The configured password is
// bcrypt-hashed into settings on first boot; the JWT secret comes from
// configuration or is generated once and persisted.
func NewSessions(store *db.Store, configuredPassword, configuredSecret string) (*Sessions, error) {
	if configuredPassword != "" && store.GetSetting(passwordHashSetting) == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(configuredPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		if err := store.SetSetting(passwordHashSetting, string(hash)); err != nil {
			return nil, err
		}
		log.Printf("🔐 Admin password hash stored")
	}

	secret := configuredSecret
	if secret == "" {
		secret = store.GetSetting(jwtSecretSetting)
	}
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(b)
		if err := store.SetSetting(jwtSecretSetting, secret); err != nil {
			return nil, err
		}
	}
	return &Sessions{store: store, secret: []byte(secret)}, nil
}

// Login checks the password and issues a session token.
func (s *Sessions) Login(password string) (string, error) {
	hash := s.store.GetSetting(passwordHashSetting)
	if hash == "" {
		return "", fmt.Errorf("admin password not configured")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	})
	return token.SignedString(s.secret)
}

// Validate checks a presented session token.
func (s *Sessions) Validate(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}
