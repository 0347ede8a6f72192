package middleware

import (
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

func Logging() gin.HandlerFunc {
	hostname, err := os.Hostname()
	if err != nil {
		log := logger.Get()
		log.Error().Err(err).Msg("Failed to get hostname")
		hostname = "unknown"
	}
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)

		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		if raw != "" {
			path = path + "?" + raw
		}

		log := logger.Get().With().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_addr", c.Request.RemoteAddr).
			Str("hostname", hostname).
			Logger()

		log.Debug().Msg("→ Request received")

		c.Next()

		// Polling endpoints are only logged when they fail
		isPoll := c.Request.Method == "GET" && !strings.HasSuffix(c.Request.URL.Path, "/updates")
		if isPoll && c.Writer.Status() < 400 {
			return
		}

		respLog := log.With().
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Int("body_size", c.Writer.Size()).
			Logger()

		switch {
		case c.Writer.Status() >= 500:
			respLog.Error().Msg("← Request failed")
		case c.Writer.Status() >= 400:
			respLog.Warn().Msg("← Request rejected")
		default:
			respLog.Info().Msg("← Request completed")
		}
	}
}
