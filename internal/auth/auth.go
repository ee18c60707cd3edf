package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	DefaultIssuer      = "parley"
)

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	Issuer      string        `json:"issuer"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) < 16 {
		return errors.New("auth secret must be at least 16 bytes")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}

	return nil
}

type verifiedToken struct {
	userID  string
	expires time.Time
}

// Claims carried by a connect token. The identity is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthService issues and verifies the short-lived signed tokens presented
// when a live connection is opened.
type AuthService struct {
	Config
	verified geche.Geche[string, verifiedToken]
	revoked  geche.Geche[string, struct{}]
	now      func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cleanup := min(time.Minute, config.TokenExpiry)
	return &AuthService{
		Config:   config,
		verified: geche.NewMapTTLCache[string, verifiedToken](ctx, config.TokenExpiry, cleanup),
		revoked:  geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, cleanup),
		now:      time.Now,
	}, nil
}

// IssueToken signs a token for userID valid for TokenExpiry.
func (as *AuthService) IssueToken(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", models.ErrInvalid)
	}
	now := as.now()
	expires := now.Add(as.TokenExpiry)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    as.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expires, nil
}

// Verify returns the identity a token was issued for. Any failure
// (bad signature, expired, revoked) is reported as ErrUnauthorized.
func (as *AuthService) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrUnauthorized)
	}
	if _, err := as.revoked.Get(token); err == nil {
		return "", fmt.Errorf("%w: token revoked", models.ErrUnauthorized)
	}

	if v, err := as.verified.Get(token); err == nil && as.now().Before(v.expires) {
		return v.userID, nil
	}

	claims, err := as.parse(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}

	as.verified.Set(token, verifiedToken{userID: claims.Subject, expires: claims.ExpiresAt.Time})
	return claims.Subject, nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return as.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(as.Issuer),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Revoke makes a token unusable for new connections until it would have expired.
func (as *AuthService) Revoke(token string) {
	if err := as.verified.Del(token); err != nil {
		slog.Debug("revoked token was not cached", "error", err)
	}
	as.revoked.Set(token, struct{}{})
}
