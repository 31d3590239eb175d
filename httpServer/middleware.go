package httpServer

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"camrelay/internal/auth"
	"camrelay/internal/metrics"
)

// requestLogger logs one line per request once it completes. Streams are
// logged when they end.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"client":   c.ClientIP(),
			"duration": time.Since(start).Round(time.Millisecond),
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Warn("Request completed with errors")
			return
		}
		entry.Debug("Request completed")
	}
}

// metricsMiddleware records request counts and durations by route
func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// requireAuth rejects requests without a valid credential. The credential is
// read from an "Authorization: Bearer" header or the token query parameter.
func requireAuth(m *auth.Manager, adminOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		credential := c.Query("token")
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			credential = strings.TrimPrefix(h, "Bearer ")
		}

		admin, err := m.Authorize(credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if adminOnly && !admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": auth.ErrAdminRequired.Error()})
			return
		}
		c.Next()
	}
}
