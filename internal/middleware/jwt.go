package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/itqan-platform/session-engine/internal/auth"
	"github.com/itqan-platform/session-engine/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextAcademyID is the key for the caller's academy in gin context.
	ContextAcademyID = "academy_id"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		// Browsers cannot set headers on a websocket handshake.
		if header == "" && c.IsWebsocket() && c.Query("token") != "" {
			header = "Bearer " + c.Query("token")
		}
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token expired"
			}
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextAcademyID, claims.AcademyID)
		c.Next()
	}
}
