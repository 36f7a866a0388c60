// Package auth issues and verifies the bearer tokens presented during the
// WebSocket handshake.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, tampered or unsigned tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingToken is returned when a request carries no token at all.
	ErrMissingToken = errors.New("missing token")
)

// Config holds token settings.
type Config struct {
	Secret   string
	Issuer   string
	Lifetime time.Duration
}

// Claims identifies the user a connection acts for.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Manager signs and validates HS256 tokens.
type Manager struct {
	cfg Config
	now func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 24 * time.Hour
	}
	return &Manager{cfg: cfg, now: time.Now}, nil
}

// Issue mints a token for userID.
func (m *Manager) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := m.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.Lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.Secret))
}

// Validate checks the signature, expiry and issuer and returns the user id.
func (m *Manager) Validate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(m.now)}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.cfg.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// FromRequest extracts a token from the Authorization header or, since
// browsers cannot set headers on a WebSocket upgrade, the token query
// parameter.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}
