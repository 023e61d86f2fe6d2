// Package auth issues and verifies the bearer tokens that guard the
// history API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSecretLength = errors.New("token secret must be at least 32 characters")
)

// ScopeRead is the only scope the read-only API grants.
const ScopeRead = "history:read"

// Config configures token signing. An empty Secret disables
// authentication.
type Config struct {
	// Secret is the HMAC-SHA256 key shared by every API replica.
	Secret string `mapstructure:"secret" validate:"omitempty,min=32" yaml:"secret,omitempty"`

	// Issuer is written to and required in every token. Default: dynamo
	Issuer string `mapstructure:"issuer" yaml:"issuer,omitempty"`

	// TokenTTL is the lifetime of issued tokens. Default: 720h
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl,omitempty"`
}

// Enabled reports whether a secret is configured.
func (c *Config) Enabled() bool {
	return c.Secret != ""
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "dynamo"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 30 * 24 * time.Hour
	}
}

// Claims are carried by API tokens. Subject names the monitoring client.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Service signs and validates tokens.
type Service struct {
	config Config
	now    func() time.Time
}

// NewService returns a Service for cfg. The secret must be at least 32
// characters.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	cfg.ApplyDefaults()
	return &Service{config: cfg, now: time.Now}, nil
}

// Issue signs a read token for subject. ttl <= 0 uses the configured
// lifetime.
func (s *Service) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.config.TokenTTL
	}
	now := s.now()
	expires := now.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Scope: ScopeRead,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses token and checks its signature, issuer, expiry and scope.
func (s *Service) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Scope != ScopeRead {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
