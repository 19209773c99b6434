package control

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridian-obs/meridian/internal/logging"
)

// requestLogger records one line per request. Server faults log at error,
// operator mistakes at warn, the rest at debug so a tight polling loop
// does not swamp the log.
func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client", c.ClientIP(),
		}
		switch {
		case status >= 500:
			log.Error("request failed", args...)
		case status >= 400:
			log.Warn("request rejected", args...)
		default:
			log.Debug("request served", args...)
		}
	}
}
