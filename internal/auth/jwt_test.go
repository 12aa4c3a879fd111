package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/domain"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret")
	token, err := v.Issue(domain.User{ID: "u1", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	user, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), user.ID)
	assert.Equal(t, "Alice", user.DisplayName)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewJWTVerifier("one").Issue(domain.User{ID: "u1"}, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTVerifier("two").Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyExpired(t *testing.T) {
	v := NewJWTVerifier("secret")
	token, err := v.Issue(domain.User{ID: "u1"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyGarbage(t *testing.T) {
	v := NewJWTVerifier("secret")
	_, err := v.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyMissingSubject(t *testing.T) {
	v := NewJWTVerifier("secret")
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyFallsBackToSubjectAsName(t *testing.T) {
	v := NewJWTVerifier("secret")
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	user, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.DisplayName)
}
