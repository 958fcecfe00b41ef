package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/router"
)

// TenantBinder is the resolve-and-bind entry point. *router.Router
// implements it.
type TenantBinder interface {
	Bind(ctx context.Context, host string, write bool) (*router.Binding, error)
}

// TenantBind resolves the request host to a tenant, binds a store lease for
// the request lifetime, and releases it on every exit path - success,
// handler panic, or client abort. The binding travels only through the
// request context; there is no ambient current-tenant state.
func TenantBind(binder TenantBinder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			binding, err := binder.Bind(r.Context(), r.Host, isMutation(r.Method))
			if err != nil {
				writeBindError(w, err)
				return
			}
			defer binding.Release()

			ctx := context.WithValue(r.Context(), ContextKeyBinding, binding)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// writeBindError maps each routing failure to its own response so callers
// can tell an unknown tenant from a suspended one from backpressure.
func writeBindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownTenant):
		http.Error(w, `{"title":"Not Found","status":404,"detail":"unknown tenant"}`, http.StatusNotFound)
	case errors.Is(err, domain.ErrTenantNotReady):
		http.Error(w, `{"title":"Too Early","status":425,"detail":"tenant is being provisioned"}`, http.StatusTooEarly)
	case errors.Is(err, domain.ErrTenantSuspended):
		http.Error(w, `{"title":"Forbidden","status":403,"detail":"tenant suspended"}`, http.StatusForbidden)
	case errors.Is(err, domain.ErrTenantRetired):
		http.Error(w, `{"title":"Gone","status":410,"detail":"tenant retired"}`, http.StatusGone)
	case errors.Is(err, domain.ErrPoolExhausted):
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"tenant connection pool exhausted"}`, http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrStoreUnavailable):
		http.Error(w, `{"title":"Bad Gateway","status":502,"detail":"tenant store unavailable"}`, http.StatusBadGateway)
	default:
		http.Error(w, `{"title":"Service Unavailable","status":503,"detail":"request could not be bound"}`, http.StatusServiceUnavailable)
	}
}
