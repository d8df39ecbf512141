package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	logger := slog.Default()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		attrs := []any{
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"latency", time.Since(start),
			"clientIp", c.ClientIP(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}
		if uid := GetUserID(c); uid != "" {
			attrs = append(attrs, "userId", uid)
		}

		if c.Writer.Status() >= 500 {
			logger.Warn("HTTP request", attrs...)
			return
		}
		logger.Debug("HTTP request", attrs...)
	}
}
