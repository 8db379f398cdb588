package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT(&JWTClaims{
		UserID:    42,
		Role:      "applicant",
		Type:      "access",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		IssuedAt:  time.Now().Unix(),
	}, "secret")
	require.NoError(t, err)

	claims, err := ValidateJWT(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "applicant", claims.Role)
	assert.Equal(t, "access", claims.Type)

	_, err = ValidateJWT(token, "other-secret")
	assert.Error(t, err)
}

func TestValidateJWTRejectsExpired(t *testing.T) {
	token, err := GenerateJWT(&JWTClaims{
		UserID:    1,
		Type:      "access",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}, "secret")
	require.NoError(t, err)

	_, err = ValidateJWT(token, "secret")
	assert.Error(t, err)
}

func TestValidateStruct(t *testing.T) {
	type req struct {
		Name  string `validate:"required"`
		Kind  string `validate:"oneof=a b"`
		Count int    `validate:"min=2"`
	}

	err := ValidateStruct(req{Kind: "c", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name is required")
	assert.Contains(t, err.Error(), "Kind must be one of [a b]")
	assert.Contains(t, err.Error(), "Count must be at least 2")

	assert.NoError(t, ValidateStruct(req{Name: "x", Kind: "a", Count: 2}))
}
