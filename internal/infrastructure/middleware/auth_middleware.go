package middleware

import (
	"strings"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	apperrors "confab/pkg/errors"
	"confab/pkg/logger"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

func AuthMiddleware(verifier ports.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, apperrors.FromError(err))
			return
		}

		c.Set(identityKey, identity)
		c.Set("user_id", identity.UserID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), string(identity.UserID)))
		c.Next()
	}
}

// RequireModerator lets through only identities whose role may moderate
// rooms (host, co-host). Must run after AuthMiddleware.
func RequireModerator() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		if !identity.Role.CanModerate() {
			abortWithError(c, apperrors.NewForbiddenError("host role required"))
			return
		}
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (*domain.Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*domain.Identity)
	return identity, ok
}

func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}
