package tenant

import "context"

type contextKey string

const (
	tenantContextKey contextKey = "tenant_id"
	userContextKey   contextKey = "user_id"
)

// WithTenant stores the authenticated tenant id on ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// FromContext returns the tenant id stored by WithTenant.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantContextKey).(string)
	return id, ok && id != ""
}

// WithUser stores the authenticated user id (token subject) on ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserFromContext returns the user id stored by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userContextKey).(string)
	return id, ok && id != ""
}
