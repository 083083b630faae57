package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jrydberg/nesoi/pkg/log"
)

// NewLogger creates logging middleware that logs every request at debug
// level, or warn if the handler returned a server error.
func NewLogger(logger log.Logger) gin.HandlerFunc {
	logger = logger.WithSubsystem(logger.Subsystem() + ".http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.String("path", path),
			zap.Int64("latency-ms", time.Since(start).Milliseconds()),
			zap.String("client-ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logger.Warn("http request", fields...)
		} else {
			logger.Debug("http request", fields...)
		}
	}
}
