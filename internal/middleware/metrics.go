package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goldenpath/registry/internal/telemetry"
)

// unmatchedRoute labels requests that hit no registered route, so scanners
// probing random URLs add one series instead of one per URL.
const unmatchedRoute = "<no-route>"

// MetricsMiddleware counts requests and observes their latency, labelled by
// the matched route template (e.g. /api/v1/golden-paths/:namespace/:name).
// Mount it after RequestIDMiddleware so the recorded status is the final one.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()

		route := routeLabel(c)
		telemetry.HTTPRequestsTotal.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Inc()
		telemetry.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route).
			Observe(time.Since(began).Seconds())
	}
}

func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}
