package middleware

import (
	"context"
	"net/http"

	"github.com/rezkam/fleetq/internal/domain"
)

// TenantHeader carries the tenant identifier. Tenancy enforcement lives
// outside the orchestrator; the identifier is passed through into jobs and
// events.
const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

// Tenant extracts the tenant header into the request context, defaulting to
// the shared tenant when absent.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			tenant = domain.DefaultTenant
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFrom returns the tenant stored by the Tenant middleware.
func TenantFrom(ctx context.Context) string {
	if tenant, ok := ctx.Value(tenantKey{}).(string); ok {
		return tenant
	}
	return domain.DefaultTenant
}
