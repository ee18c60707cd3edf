package auth

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	// Helper to create service with fixed time
	createService := func(t *testing.T) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret-0123456789")),
			TokenExpiry: time.Hour,
		}

		svc, err := NewAuthService(t.Context(), cfg)
		require.NoError(t, err)

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		svc, _ := createService(t)

		token, expires, err := svc.IssueToken("user1")
		require.NoError(t, err)
		require.Equal(t, int64(t0Unix+3600), expires.Unix())

		userID, err := svc.Verify(token)
		require.NoError(t, err)
		require.Equal(t, "user1", userID)

		// Cached path returns the same identity.
		userID, err = svc.Verify(token)
		require.NoError(t, err)
		require.Equal(t, "user1", userID)
	})

	t.Run("Expired", func(t *testing.T) {
		svc, now := createService(t)

		token, _, err := svc.IssueToken("user1")
		require.NoError(t, err)
		_, err = svc.Verify(token)
		require.NoError(t, err)

		*now = now.Add(2 * time.Hour)
		_, err = svc.Verify(token)
		require.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		svc, _ := createService(t)

		other, err := NewAuthService(context.Background(), Config{
			Secret: base64.StdEncoding.EncodeToString([]byte("another-secret-0123456789")),
		})
		require.NoError(t, err)
		other.now = svc.now

		token, _, err := other.IssueToken("user1")
		require.NoError(t, err)

		_, err = svc.Verify(token)
		require.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("RejectsOtherAlgorithms", func(t *testing.T) {
		svc, now := createService(t)

		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user1",
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.Verify(token)
		require.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("Revoke", func(t *testing.T) {
		svc, _ := createService(t)

		token, _, err := svc.IssueToken("user1")
		require.NoError(t, err)
		_, err = svc.Verify(token)
		require.NoError(t, err)

		svc.Revoke(token)
		_, err = svc.Verify(token)
		require.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("Garbage", func(t *testing.T) {
		svc, _ := createService(t)

		_, err := svc.Verify("")
		require.ErrorIs(t, err, models.ErrUnauthorized)
		_, err = svc.Verify("not-a-token")
		require.ErrorIs(t, err, models.ErrUnauthorized)
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Secret: "%%%"}
	require.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("short"))}
	require.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("long-enough-secret-value"))}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
	require.Equal(t, DefaultIssuer, cfg.Issuer)
}
