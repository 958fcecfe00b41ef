// Package router exposes the one entry point request handling needs:
// resolve a tenant for a host and bind an isolated store lease for the
// request lifetime. Resolution always completes before any store access.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/metrics"
	"github.com/perch-labs/switchyard/internal/resolver"
	"github.com/perch-labs/switchyard/internal/switchboard"
)

// Binding carries the resolved tenant and its lease through one request.
// It must not outlive the request; Release runs on every exit path.
type Binding struct {
	Tenant *domain.Tenant
	Lease  *switchboard.Lease
}

func (b *Binding) Release() {
	b.Lease.Release()
}

type Router struct {
	resolver *resolver.Resolver
	sb       *switchboard.Switchboard
	metrics  *metrics.Metrics
}

func New(res *resolver.Resolver, sb *switchboard.Switchboard, m *metrics.Metrics) *Router {
	return &Router{resolver: res, sb: sb, metrics: m}
}

// Bind resolves the host and acquires a store lease for the tenant. A
// resolution failure never touches any store; no handle is requested for an
// unknown or non-routable tenant.
func (rt *Router) Bind(ctx context.Context, host string, write bool) (*Binding, error) {
	start := time.Now()

	var (
		tenant *domain.Tenant
		err    error
	)
	if write {
		tenant, err = rt.resolver.ResolveForWrite(ctx, host)
	} else {
		tenant, err = rt.resolver.Resolve(ctx, host)
	}
	if err != nil {
		rt.metrics.ObserveBind(outcomeFor(err), start)
		return nil, err
	}

	lease, err := rt.sb.Acquire(ctx, tenant)
	if err != nil {
		rt.metrics.ObserveBind(outcomeFor(err), start)
		return nil, err
	}

	rt.metrics.ObserveBind("bound", start)
	return &Binding{Tenant: tenant, Lease: lease}, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownTenant):
		return "unknown_tenant"
	case errors.Is(err, domain.ErrTenantNotReady):
		return "not_ready"
	case errors.Is(err, domain.ErrTenantSuspended):
		return "suspended"
	case errors.Is(err, domain.ErrTenantRetired):
		return "retired"
	case errors.Is(err, domain.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
