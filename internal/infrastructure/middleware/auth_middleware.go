package middleware

import (
	"errors"
	"strings"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	apperrors "rillcast/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth_claims"

// AuthMiddleware requires a bearer token scoped to the room in the :id path
// parameter with at least the required role. A nil authService disables the
// check.
func AuthMiddleware(authService services.AuthService, required services.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil {
			c.Next()
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			message := "invalid token"
			if errors.Is(err, services.ErrExpiredToken) {
				message = "token expired"
			}
			abortWithError(c, apperrors.NewUnauthorizedError(message))
			return
		}

		roomID := domain.RoomID(c.Param("id"))
		if err := authService.CheckRoomPermission(claims, roomID, required); err != nil {
			abortWithError(c, apperrors.NewForbiddenError("token does not grant this room").
				WithContext("room_id", roomID))
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by AuthMiddleware.
func ClaimsFrom(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// abortWithError renders err and stops the chain.
func abortWithError(c *gin.Context, err *apperrors.AppError) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(err.HTTPStatus, errorBody(err))
}
