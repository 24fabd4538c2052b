package logging

import (
	"context"

	"github.com/google/uuid"
)

// correlationField is both the log field name and the key callers may pass
// explicitly in key/value pairs.
const correlationField = "correlation_id"

type correlationKey struct{}

// WithCorrelationID returns ctx carrying id; loggers called with the result
// stamp every entry with it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GetCorrelationID returns the id stored by WithCorrelationID, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func GenerateCorrelationID() string {
	return uuid.NewString()
}
