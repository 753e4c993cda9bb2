package middleware

import (
	"strings"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/services"
	apperrors "sharechannel/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	peerIDKey   = "peer_id"
	userNameKey = "user_name"
)

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, errorBody(err))
}

// AuthMiddleware requires a valid bearer token and stores the peer id it
// was issued for.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			abortWith(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}
		token, ok := bearerToken(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(peerIDKey, claims.PeerID)
		c.Set(userNameKey, claims.UserName)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(peerIDKey, claims.PeerID)
				c.Set(userNameKey, claims.UserName)
			}
		}
		c.Next()
	}
}

// PeerOwnerMiddleware only lets a request through when the authenticated
// peer id equals the route parameter param. It must run after
// AuthMiddleware.
func PeerOwnerMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		peerID, ok := PeerIDFromContext(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		if target := domain.PeerID(c.Param(param)); target != peerID {
			abortWith(c, apperrors.NewUnauthorizedError("token was not issued for this peer id").
				WithContext("peer_id", string(target)))
			return
		}
		c.Next()
	}
}

// PeerIDFromContext returns the peer id stored by the auth middleware.
func PeerIDFromContext(c *gin.Context) (domain.PeerID, bool) {
	v, ok := c.Get(peerIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.PeerID)
	return id, ok && id != ""
}

func UserNameFromContext(c *gin.Context) string {
	return c.GetString(userNameKey)
}
