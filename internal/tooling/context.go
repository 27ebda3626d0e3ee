package tooling

import "context"

type contextKey struct{}

var userIDKey contextKey

// WithUserID tags a context with the calling user. The graph runtime sets it
// before dispatching tool calls so multi-tenant plugins can scope themselves.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the calling user id, or empty when absent.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}
