package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatusRequests counts status API requests by route and status class.
	StatusRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seednode",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Status API requests by route and status class (2xx, 4xx, 5xx)",
		},
		[]string{"route", "class"},
	)

	// StatusRequestDuration tracks how long the status API takes to answer.
	// Leader and candidate routes include a coordination round trip.
	StatusRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seednode",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Status API latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8), // 0.5ms to ~8s
		},
		[]string{"route"},
	)

	// NotReadyResponses counts 503 answers, mostly health probes before the join finished.
	NotReadyResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seednode",
			Subsystem: "api",
			Name:      "not_ready_total",
			Help:      "Status API answers with 503 by route",
		},
		[]string{"route"},
	)
)

// MetricsMiddleware records per-route metrics for the status API.
// Requests to scrapePath are not counted.
func MetricsMiddleware(scrapePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == scrapePath {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		StatusRequests.WithLabelValues(route, statusClass(status)).Inc()
		StatusRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if status == http.StatusServiceUnavailable {
			NotReadyResponses.WithLabelValues(route).Inc()
		}
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
