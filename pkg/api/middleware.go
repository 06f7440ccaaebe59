package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teraunit/teraunit/pkg/telemetry"
)

// maxLogValue bounds caller-controlled values written to logs.
const maxLogValue = 300

// requireControlToken rejects requests without a valid control token.
func (s *Server) requireControlToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.deps.Control.Authorize(c.Request); err != nil {
			s.tel.Metrics.RecordAuthFailure("control")
			s.logger.WithFields(map[string]interface{}{
				"path":      c.FullPath(),
				"client_ip": s.deps.ClientIP.Resolve(c.Request),
				"reason":    err.Error(),
			}).Warn("control token rejected")
			c.String(http.StatusUnauthorized, "DENIED: "+err.Error())
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestLogger writes one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = safeLogValue(c.Request.URL.Path)
		}
		log := s.logger.WithFields(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  s.deps.ClientIP.Resolve(c.Request),
		})
		if traceID := telemetry.TraceID(c.Request.Context()); traceID != "" {
			log = log.WithField("trace_id", traceID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed")
			return
		}
		log.Debug("request served")
	}
}

// limitBody caps the size of request bodies.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// methodNotAllowed answers 405 with the attempted method and path.
func (s *Server) methodNotAllowed(c *gin.Context) {
	method := safeLogValue(c.Request.Method)
	path := safeLogValue(c.Request.URL.Path)

	s.logger.WithFields(map[string]interface{}{
		"method":     method,
		"path":       path,
		"client_ip":  s.deps.ClientIP.Resolve(c.Request),
		"user_agent": safeLogValue(c.Request.UserAgent()),
		"referer":    safeLogValue(c.Request.Referer()),
	}).Warn("method not allowed")

	c.JSON(http.StatusMethodNotAllowed, gin.H{
		"error":  "METHOD_NOT_ALLOWED",
		"method": method,
		"path":   path,
	})
}

// safeLogValue strips line breaks and truncates caller-controlled text.
func safeLogValue(v string) string {
	v = strings.NewReplacer("\r", "", "\n", "", "\t", " ").Replace(v)
	v = strings.TrimSpace(v)
	if len(v) > maxLogValue {
		v = v[:maxLogValue] + "..."
	}
	return v
}
