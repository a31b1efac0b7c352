package middleware

import (
	"context"
	"net/http"
	"strings"

	"camrelay/internal/core/services"
	"camrelay/pkg/errors"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
)

// tokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers (img
// tags, WebSocket constructors).
func tokenFromRequest(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := tokenFromRequest(c)
		if !ok {
			c.Error(errors.NewUnauthorizedError("authorization token required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized))
			c.Abort()
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := tokenFromRequest(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setIdentity(c, claims)
			}
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, claims *services.Claims) {
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	ctx := context.WithValue(c.Request.Context(), services.UserIDContextKey, claims.UserID)
	tracing.AddSpanAttributes(ctx, tracing.UserIDKey.String(string(claims.UserID)))
	c.Request = c.Request.WithContext(ctx)
}
