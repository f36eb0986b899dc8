package services

import (
	"context"
	"testing"
	"time"

	"confab/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_Verify(t *testing.T) {
	auth := NewAuthService("secret", "confab", time.Hour)

	host, err := auth.GenerateToken("u-1", "Alice", domain.RoleHost)
	require.NoError(t, err)
	plain, err := auth.GenerateToken("u-2", "", "")
	require.NoError(t, err)
	odd, err := auth.GenerateToken("u-3", "Carol", "admin")
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		wantErr  bool
		wantUser domain.UserID
		wantName string
		wantRole domain.Role
	}{
		{name: "host token", token: host, wantUser: "u-1", wantName: "Alice", wantRole: domain.RoleHost},
		{name: "defaults", token: plain, wantUser: "u-2", wantName: "u-2", wantRole: domain.RoleParticipant},
		{name: "unknown role downgraded", token: odd, wantUser: "u-3", wantName: "Carol", wantRole: domain.RoleParticipant},
		{name: "empty", token: "", wantErr: true},
		{name: "garbage", token: "not-a-jwt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := auth.Verify(context.Background(), tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, id.UserID)
			assert.Equal(t, tt.wantName, id.DisplayName)
			assert.Equal(t, tt.wantRole, id.Role)
		})
	}
}

func TestAuthService_RejectsForeignTokens(t *testing.T) {
	auth := NewAuthService("secret", "confab", time.Hour)

	other, err := NewAuthService("other-secret", "confab", time.Hour).GenerateToken("u-1", "Alice", "")
	require.NoError(t, err)
	_, err = auth.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewAuthService("secret", "elsewhere", time.Hour).GenerateToken("u-1", "Alice", "")
	require.NoError(t, err)
	_, err = auth.ValidateToken(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Expired(t *testing.T) {
	auth := NewAuthService("secret", "", time.Hour)

	claims := &Claims{
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = auth.Verify(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestAuthService_SubjectFallback(t *testing.T) {
	auth := NewAuthService("secret", "", time.Hour)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-9",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("sub-9"), got.UserID)
}
