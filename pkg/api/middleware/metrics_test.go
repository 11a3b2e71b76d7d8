package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	. "seednode/pkg/api/middleware"
)

func newMetricsRouter() *gin.Engine {
	router := gin.New()
	router.Use(MetricsMiddleware("/metrics"))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })
	router.GET("/api/v1/cluster/leader", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func get(router *gin.Engine, path string) {
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

func TestMetricsMiddleware_CountsByRouteAndClass(t *testing.T) {
	router := newMetricsRouter()

	leaderOK := StatusRequests.WithLabelValues("/api/v1/cluster/leader", "2xx")
	health := StatusRequests.WithLabelValues("/health", "5xx")
	notReady := NotReadyResponses.WithLabelValues("/health")
	before := []float64{testutil.ToFloat64(leaderOK), testutil.ToFloat64(health), testutil.ToFloat64(notReady)}

	get(router, "/api/v1/cluster/leader")
	get(router, "/health")
	get(router, "/health")

	assert.Equal(t, before[0]+1, testutil.ToFloat64(leaderOK))
	assert.Equal(t, before[1]+2, testutil.ToFloat64(health))
	assert.Equal(t, before[2]+2, testutil.ToFloat64(notReady))
}

func TestMetricsMiddleware_UnmatchedRoutesShareOneLabel(t *testing.T) {
	router := newMetricsRouter()
	unmatched := StatusRequests.WithLabelValues("unmatched", "4xx")
	before := testutil.ToFloat64(unmatched)

	get(router, "/api/v1/jobs/1")
	get(router, "/api/v1/jobs/2")

	assert.Equal(t, before+2, testutil.ToFloat64(unmatched))
}

func TestMetricsMiddleware_SkipsScrapes(t *testing.T) {
	router := newMetricsRouter()
	scrapes := StatusRequests.WithLabelValues("/metrics", "2xx")
	before := testutil.ToFloat64(scrapes)

	get(router, "/metrics")

	assert.Equal(t, before, testutil.ToFloat64(scrapes))
}
