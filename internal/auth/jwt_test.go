package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "ride-dispatch")
	token, err := v.Sign(models.Identity{UserID: "d-1", Role: models.RoleDriver}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{UserID: "d-1", Role: models.RoleDriver}, id)

	id, err = v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "d-1", id.UserID)
}

func TestJWTVerifierRejects(t *testing.T) {
	v := NewJWTVerifier("secret", "")
	other := NewJWTVerifier("other-secret", "")

	wrongKey, err := other.Sign(models.Identity{UserID: "c-1", Role: models.RoleCustomer}, time.Minute)
	require.NoError(t, err)
	expired, err := v.Sign(models.Identity{UserID: "c-1", Role: models.RoleCustomer}, -time.Minute)
	require.NoError(t, err)
	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "x", Role: "admin"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "x", Role: "driver"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"wrong key": wrongKey,
		"expired":   expired,
		"bad role":  badRole,
		"alg none":  noneAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestJWTVerifierChecksIssuer(t *testing.T) {
	v := NewJWTVerifier("secret", "ride-dispatch")
	foreign := NewJWTVerifier("secret", "someone-else")
	token, err := foreign.Sign(models.Identity{UserID: "d-1", Role: models.RoleDriver}, time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestJWTVerifierNormalizesRole(t *testing.T) {
	v := NewJWTVerifier("secret", "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "d-1", Role: "DRIVER"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDriver, id.Role)
}

func TestJWTVerifierHonoursContext(t *testing.T) {
	v := NewJWTVerifier("secret", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Verify(ctx, "whatever")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
