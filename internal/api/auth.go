package api

import (
	"crypto/subtle"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/router"
)

// Header names accepted for credentials.
const (
	DefaultAdminKeyHeader = "X-Admin-Key"
	ConnectorKeyHeader    = "X-Connector-Key"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// AdminKeyAuth guards the management endpoints. With no keys configured
// every request passes; the server only listens on loopback by default.
func AdminKeyAuth(keys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	if headerName == "" {
		headerName = DefaultAdminKeyHeader
	}
	if len(keys) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		key := c.GetHeader(headerName)
		if key != "" && matchesAny(key, keys) {
			c.Set("admin", true)
			c.Next()
			return
		}

		logger.WarnWithContext(c.Request.Context(), "admin authentication failed",
			"header_name", headerName,
			"client_ip", c.ClientIP(),
			"path", c.Request.URL.Path,
			"missing", key == "",
		)
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "A valid admin key is required in the '" + headerName + "' header",
			Code:    http.StatusUnauthorized,
		})
	}
}

func matchesAny(key string, keys []string) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return ok == 1
}

// ConnectorAuth checks the connector key against the stored one and keeps it
// on the context for the route handlers.
func ConnectorAuth(r router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := connectorKey(c.Request)
		if err := r.Authorize(c.Request.Context(), key); err != nil {
			status := http.StatusInternalServerError
			if stderrors.Is(err, errors.ErrUnauthorized) {
				status = http.StatusUnauthorized
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(status, ErrorResponse{
				Error:   "unauthorized",
				Message: "A valid connector key is required",
				Code:    status,
			})
			return
		}
		c.Set("connector_key", key)
		c.Next()
	}
}

// connectorKey reads the key from a bearer token or the dedicated header.
func connectorKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(ConnectorKeyHeader))
}

// MaskKeys masks keys for logging (shows only first 4 characters)
func MaskKeys(keys []string) []string {
	masked := make([]string, len(keys))
	for i, key := range keys {
		if len(key) <= 4 {
			masked[i] = strings.Repeat("*", len(key))
		} else {
			masked[i] = key[:4] + strings.Repeat("*", len(key)-4)
		}
	}
	return masked
}
