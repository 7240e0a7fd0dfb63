package orchestrator

import (
	"context"

	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

// SubscriptionValidator answers whether a tenant is entitled to install a
// module. Supplied by the billing/entitlement subsystem; treated as a pure
// query. A transport error is not a denial: it surfaces as
// ErrSubscriptionCheckFailed instead of ErrSubscriptionRequired.
type SubscriptionValidator interface {
	CanInstall(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (bool, error)
}

// AllowAll is a SubscriptionValidator that admits every install. Useful for
// deployments without an entitlement system and for tests.
type AllowAll struct{}

func (AllowAll) CanInstall(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (bool, error) {
	return true, nil
}
