// Package httpmw holds gin middleware shared by the daemon's HTTP surface.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apcdev/apc/internal/common/logger"
)

// RequestLogger logs a line per request after the handler completes.
// Websocket upgrades log once at connect; the stream itself is not traced.
// Client errors stay at debug since a local client probing for a session
// that does not exist yet is routine.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	scoped := log.WithFields(zap.String("server", serverName))
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if status >= 500 {
			scoped.Error("http request failed", fields...)
			return
		}
		scoped.Debug("http request", fields...)
	}
}
