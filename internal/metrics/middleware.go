package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	qerrors "github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
)

// CorrelationHeader carries the request correlation id in and out.
const CorrelationHeader = "X-Request-ID"

// Middleware tags each request with a correlation id, taken from
// X-Request-ID when the caller sent one, and records request counts,
// latency and the kinds of errors handlers attached to the context.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		cid := c.GetHeader(CorrelationHeader)
		if cid == "" {
			cid = logging.GenerateCorrelationID()
		}
		c.Request = c.Request.WithContext(logging.WithCorrelationID(ctx, cid))
		c.Header(CorrelationHeader, cid)

		m.IncHTTPRequestsInFlight()
		started := time.Now()
		c.Next()
		elapsed := time.Since(started)
		m.DecHTTPRequestsInFlight()

		endpoint := endpointLabel(c)
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		m.RecordHTTPRequest(endpoint, method, status)
		m.RecordRequestLatency(endpoint, method, status, elapsed.Seconds())

		if len(c.Errors) == 0 {
			return
		}
		for _, e := range c.Errors {
			m.RecordError(string(qerrors.Classify(e.Err)), endpoint, method)
		}
		logger.ErrorWithContext(c.Request.Context(), "request failed",
			"endpoint", endpoint,
			"status", status,
			"error", c.Errors.String(),
		)
	}
}

// endpointLabel prefers the route template so path parameters such as
// account ids do not create one series per value.
func endpointLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}
