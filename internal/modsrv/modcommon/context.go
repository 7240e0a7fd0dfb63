// Package modcommon provides shared identifiers and context management for
// the module service. Operations that act on behalf of a tenant carry the
// tenant ID in the request context.
package modcommon

import "context"

// ctxKeyType represents the type for all context keys
type ctxKeyType string

const ctxTenantIdKey ctxKeyType = "ModuleTenantId"

// WithTenantID sets the tenant ID in the provided context.
func WithTenantID(ctx context.Context, tenantID TenantId) context.Context {
	return context.WithValue(ctx, ctxTenantIdKey, tenantID)
}

// TenantIdFromContext retrieves the tenant ID from the provided context.
func TenantIdFromContext(ctx context.Context) TenantId {
	if tenantID, ok := ctx.Value(ctxTenantIdKey).(TenantId); ok {
		return tenantID
	}
	return ""
}
