package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Toucher records inbound activity.
type Toucher interface {
	Touch()
}

// Touch marks every inbound request as activity for the idle monitor.
func Touch(t Toucher) gin.HandlerFunc {
	return func(c *gin.Context) {
		t.Touch()
		c.Next()
	}
}

// RequestLogger logs each request at debug level, and at warn for 5xx.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	}
}
