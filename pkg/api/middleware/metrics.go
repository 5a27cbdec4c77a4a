package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aibridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// WebsocketUpgrades counts upgrade attempts on the bridge endpoint.
	WebsocketUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "http",
			Name:      "websocket_upgrades_total",
			Help:      "Total websocket upgrade attempts by status",
		},
		[]string{"status"},
	)
)

// MetricsMiddleware records HTTP request metrics. Websocket sessions are only
// counted; their duration is the lifetime of the connection.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		if isUpgrade(c) {
			c.Next()
			WebsocketUpgrades.WithLabelValues(strconv.Itoa(c.Writer.Status())).Inc()
			return
		}

		start := time.Now()
		path := normalizePath(c.FullPath())
		method := c.Request.Method

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// normalizePath keeps unmatched routes from exploding label cardinality.
func normalizePath(path string) string {
	if path == "" {
		return "unknown"
	}
	return path
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}
