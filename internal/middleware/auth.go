package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.im.chatsync/pkg/errors"
	"sudooom.im.chatsync/pkg/jwt"
	"sudooom.im.chatsync/pkg/response"
)

const (
	ctxUserID   = "user_id"
	ctxUserName = "user_name"
)

// JWTAuth JWT 认证中间件
func JWTAuth(verifier *jwt.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			response.Unauthorized(c, appErrors.ErrTokenInvalid)
			c.Abort()
			return
		}

		claims, err := verifier.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Unauthorized(c, appErrors.ErrTokenExpired)
			} else {
				response.Unauthorized(c, appErrors.ErrTokenInvalid)
			}
			c.Abort()
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUserName, claims.UserName)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// GetUserID 从 context 获取 user_id
func GetUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// GetUserName 从 context 获取 user_name
func GetUserName(c *gin.Context) string {
	return c.GetString(ctxUserName)
}
