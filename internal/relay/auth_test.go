package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	token, err := MintToken("secret", TokenClaims{
		WorkspaceID: "ws1",
		UserID:      "u1",
		UserName:    "Sam",
		Exp:         now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	claims, err := VerifyToken(token, "secret", "ws1", now)
	require.NoError(t, err)
	assert.Equal(t, "ws1", claims.WorkspaceID)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "Sam", claims.UserName)
}

func TestVerifyTokenAcceptsBearerPrefix(t *testing.T) {
	now := time.Now()
	token, err := MintToken("secret", TokenClaims{WorkspaceID: "ws1", UserID: "u1", Exp: now.Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = VerifyToken("Bearer "+token, "secret", "ws1", now)
	assert.NoError(t, err)
}

func TestVerifyTokenFailures(t *testing.T) {
	now := time.Now()
	good, err := MintToken("secret", TokenClaims{WorkspaceID: "ws1", UserID: "u1", Exp: now.Add(time.Hour).Unix()})
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		expired, err := MintToken("secret", TokenClaims{WorkspaceID: "ws1", UserID: "u1", Exp: now.Add(-time.Minute).Unix()})
		require.NoError(t, err)
		_, err = VerifyToken(expired, "secret", "ws1", now)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := VerifyToken(good, "other-secret", "ws1", now)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong workspace", func(t *testing.T) {
		_, err := VerifyToken(good, "secret", "ws2", now)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(good, ".")
		tampered := parts[0] + ".eyJ3b3Jrc3BhY2VfaWQiOiJ3czIifQ." + parts[2]
		_, err := VerifyToken(tampered, "secret", "ws1", now)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := VerifyToken("not-a-token", "secret", "ws1", now)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}
