// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that the
// authenticating layer and the authorization middleware agree on them.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithUserID(ctx, userID)
//	userID, ok := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserIDKey contains the authenticated user's ID
	// Set by: the upstream authentication layer
	// Required by: rbac.PermissionMiddleware
	// Type: int64
	UserIDKey Key = "user_id"

	// CompanyIDKey contains the tenant the request is scoped to
	// Set by: the upstream authentication layer
	// Type: int64
	CompanyIDKey Key = "company_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: observability.RequestIDMiddleware
	// Used by: Logger, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithUserID stores the authenticated user's ID
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the authenticated user's ID, if any
func GetUserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(UserIDKey).(int64)
	return id, ok
}

// WithCompanyID stores the tenant ID
func WithCompanyID(ctx context.Context, companyID int64) context.Context {
	return context.WithValue(ctx, CompanyIDKey, companyID)
}

// GetCompanyID returns the tenant ID, if any
func GetCompanyID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(CompanyIDKey).(int64)
	return id, ok
}

// WithRequestID stores the request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request ID or ""
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
