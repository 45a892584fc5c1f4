package services

import (
	"testing"
	"time"

	"rillcast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", "rillcast", time.Hour)

	token, err := auth.GenerateToken("alice", "room-1", RolePublisher)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, domain.RoomID("room-1"), claims.RoomID)
	assert.Equal(t, RolePublisher, claims.Role)

	assert.NoError(t, auth.CheckRoomPermission(claims, "room-1", RolePublisher))
	assert.ErrorIs(t, auth.CheckRoomPermission(claims, "room-1", RoleOperator), ErrUnauthorized)
	assert.ErrorIs(t, auth.CheckRoomPermission(claims, "room-2", RolePublisher), ErrUnauthorized)
	assert.ErrorIs(t, auth.CheckRoomPermission(nil, "room-1", RolePublisher), ErrUnauthorized)
}

func TestAuthService_AllRoomsOperator(t *testing.T) {
	auth := NewAuthService("secret", "rillcast", time.Hour)
	token, err := auth.GenerateToken("ops", AllRooms, RoleOperator)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.NoError(t, auth.CheckRoomPermission(claims, "any-room", RoleOperator))
	assert.NoError(t, auth.CheckRoomPermission(claims, "any-room", RolePublisher))
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	auth := NewAuthService("secret", "rillcast", time.Hour)

	_, err := auth.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthService("other-secret", "rillcast", time.Hour)
	forged, err := other.GenerateToken("mallory", "room-1", RoleOperator)
	require.NoError(t, err)
	_, err = auth.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewAuthService("secret", "someone-else", time.Hour)
	token, err := wrongIssuer.GenerateToken("alice", "room-1", RolePublisher)
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewAuthService("secret", "rillcast", -time.Minute)
	token, err = expired.GenerateToken("alice", "room-1", RolePublisher)
	require.NoError(t, err)
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RoomID: "room-1", Role: RoleOperator})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_GenerateValidation(t *testing.T) {
	auth := NewAuthService("secret", "", time.Hour)
	_, err := auth.GenerateToken("alice", "", RolePublisher)
	assert.Error(t, err)
	_, err = auth.GenerateToken("alice", "room-1", Role("viewer"))
	assert.Error(t, err)
}
