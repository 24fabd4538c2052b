package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quotaguard/quotamux/internal/errors"
	"github.com/quotaguard/quotamux/internal/logging"
)

var kindStatus = map[errors.Kind]int{
	errors.KindInput:         http.StatusBadRequest,
	errors.KindAuthorization: http.StatusUnauthorized,
	errors.KindAdmission:     http.StatusServiceUnavailable,
	errors.KindNotFound:      http.StatusNotFound,
	errors.KindUpstream:      http.StatusBadGateway,
	errors.KindInternal:      http.StatusInternalServerError,
}

// writeError renders err as an ErrorResponse. Messages are redacted; internal
// errors are not described to the client.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "request_too_large",
			Message: "Request body exceeds maximum allowed size",
			Code:    http.StatusRequestEntityTooLarge,
		})
		return
	}

	kind := errors.Classify(err)
	status := kindStatus[kind]
	msg := logging.RedactError(err)
	if kind == errors.KindInternal {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   string(kind),
		Message: msg,
		Code:    status,
	})
}

// badRequest wraps a body decoding error as an input error.
func badRequest(err error) error {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return err
	}
	return &errors.ErrInput{Field: "body", Err: err}
}
