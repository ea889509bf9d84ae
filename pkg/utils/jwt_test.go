package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateToken("user-1", []string{"admin"})
	require.NoError(t, err)

	claims, err := ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	SetSecret("other")
	_, err = ValidateToken(token)
	assert.Error(t, err)
}

func TestUserIDFromContext(t *testing.T) {
	assert.Equal(t, "system", UserIDFromContext(context.Background()))
	assert.Equal(t, "u-9", UserIDFromContext(WithUserID(context.Background(), "u-9")))
}
