package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/choraleia/parley/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// UserKey is the gin context key holding the authenticated user id.
const UserKey = "userID"

// UserIDHeader carries the user id set by the session validator in front of us.
const UserIDHeader = "X-User-ID"

// UserIDMiddleware rejects requests without an authenticated user.
func UserIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(UserKey, userID)
		c.Next()
	}
}

// Metrics records request counts and latency by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

func userID(c *gin.Context) string {
	return c.GetString(UserKey)
}
