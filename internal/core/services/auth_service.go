package services

import (
	"errors"
	"fmt"
	"time"

	"rillcast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// Role is what a token holder may do in its room.
type Role string

const (
	// RolePublisher may send media into the room.
	RolePublisher Role = "publisher"
	// RoleOperator may also start and stop the room's composition.
	RoleOperator Role = "operator"
)

// AllRooms scopes a token to every room.
const AllRooms = "*"

type AuthService interface {
	GenerateToken(subject string, roomID domain.RoomID, role Role) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	CheckRoomPermission(claims *Claims, roomID domain.RoomID, required Role) error
}

type Claims struct {
	RoomID domain.RoomID `json:"room_id"`
	Role   Role          `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	issuer    string
	tokenTTL  time.Duration
}

func NewAuthService(jwtSecret, issuer string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		tokenTTL:  tokenTTL,
	}
}

func (s *authService) GenerateToken(subject string, roomID domain.RoomID, role Role) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("room scope is required")
	}
	if roleLevel(role) == 0 {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	claims := &Claims{
		RoomID: roomID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.RoomID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CheckRoomPermission requires the token to be scoped to roomID (or every
// room) with at least the required role.
func (s *authService) CheckRoomPermission(claims *Claims, roomID domain.RoomID, required Role) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if claims.RoomID != AllRooms && claims.RoomID != roomID {
		return ErrUnauthorized
	}
	if roleLevel(claims.Role) < roleLevel(required) {
		return ErrUnauthorized
	}
	return nil
}

func roleLevel(role Role) int {
	switch role {
	case RolePublisher:
		return 1
	case RoleOperator:
		return 2
	default:
		return 0
	}
}
