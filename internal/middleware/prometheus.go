package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callsignal/pkg/metrics"
)

// PrometheusMiddleware records in-flight gauges and latency per route
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
}

func NewPrometheusMiddleware(m *metrics.Metrics) *PrometheusMiddleware {
	return &PrometheusMiddleware{metrics: m}
}

// Handler labels requests by route template so path ids do not explode
// cardinality. The signal socket is left out because its latency is the
// lifetime of the connection.
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "/v1/signals/ws" || p.metrics == nil {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		p.metrics.IncrementHTTPRequestsInFlight()
		start := time.Now()
		c.Next()
		p.metrics.DecrementHTTPRequestsInFlight()
		p.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// MetricsHandler serves what g gathers in the Prometheus text format
func MetricsHandler(g prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true}))
}
