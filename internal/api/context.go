package api

import (
	"context"

	"github.com/lei/woodhouse/pkg/logger"
)

type (
	requestIDKey  struct{}
	apiKeyNameKey struct{}
)

var discardLogger = logger.Discard()

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func withAPIKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, apiKeyNameKey{}, name)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// GetAPIKeyName returns the name of the key that authenticated the request,
// empty for anonymous requests
func GetAPIKeyName(ctx context.Context) string {
	name, _ := ctx.Value(apiKeyNameKey{}).(string)
	return name
}

// GetLogger retrieves the request-scoped logger, or a discarding one
func GetLogger(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx, discardLogger)
}
