// Package resolver maps an inbound request's host to a tenant. Resolution is
// read-only against the registry and caches aggressively; lifecycle
// transitions invalidate the cache through the event bus.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perch-labs/switchyard/internal/domain"
)

// Entry is one cached resolution. CachedAt drives the stale-revalidation
// rule for mutation-class requests.
type Entry struct {
	Tenant   *domain.Tenant `json:"tenant"`
	CachedAt time.Time      `json:"cached_at"`
}

// Cache stores resolutions by routing key. Get returns (nil, nil) on a miss.
// The redis implementation lives in internal/store/redis; the cache bounds
// entry lifetime with its own TTL.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, keys ...string) error
}

// Subscriber is the subset of the event bus the resolver needs for cache
// invalidation.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Resolver resolves hosts to tenants through the registry, fronted by the
// cache. It never routes a tenant whose status forbids access.
type Resolver struct {
	registry   domain.TenantRegistry
	cache      Cache
	baseDomain string
	staleAfter time.Duration
}

func New(registry domain.TenantRegistry, cache Cache, baseDomain string, staleAfter time.Duration) *Resolver {
	return &Resolver{
		registry:   registry,
		cache:      cache,
		baseDomain: strings.ToLower(baseDomain),
		staleAfter: staleAfter,
	}
}

// RoutingKey extracts the routing key from a request host. A subdomain of
// the base domain yields its single label; any other host is treated as a
// custom-host alias and returned whole. The apex itself never routes.
func RoutingKey(host, baseDomain string) (string, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if host == "" || host == baseDomain {
		return "", fmt.Errorf("resolver.RoutingKey: host %q: %w", host, domain.ErrUnknownTenant)
	}

	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		// Custom host: matched verbatim against the registry.
		return host, nil
	}

	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		// Nested subdomains do not route; a routing key is exactly one label.
		return "", fmt.Errorf("resolver.RoutingKey: host %q: %w", host, domain.ErrUnknownTenant)
	}

	return label, nil
}

// Resolve maps a host to its tenant for a read-class request. Cached entries
// are trusted for their full cache lifetime.
func (r *Resolver) Resolve(ctx context.Context, host string) (*domain.Tenant, error) {
	return r.resolve(ctx, host, false)
}

// ResolveForWrite is Resolve for mutation-class requests: cache entries older
// than the stale threshold are revalidated against the registry first.
func (r *Resolver) ResolveForWrite(ctx context.Context, host string) (*domain.Tenant, error) {
	return r.resolve(ctx, host, true)
}

func (r *Resolver) resolve(ctx context.Context, host string, write bool) (*domain.Tenant, error) {
	key, err := RoutingKey(host, r.baseDomain)
	if err != nil {
		return nil, err
	}

	tenant := r.fromCache(ctx, key, write)
	if tenant == nil {
		tenant, err = r.registry.GetByRoutingKey(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("resolver.Resolve: key %q: %w", key, domain.ErrUnknownTenant)
		}
		if err != nil {
			return nil, fmt.Errorf("resolver.Resolve: key %q: %w", key, err)
		}

		cacheErr := r.cache.Set(ctx, key, &Entry{Tenant: tenant, CachedAt: time.Now()})
		if cacheErr != nil {
			// Cache failures never fail resolution.
			log.Warn().Err(cacheErr).Str("key", key).Msg("resolver cache set failed")
		}
	}

	if accessErr := tenant.AccessError(); accessErr != nil {
		return nil, fmt.Errorf("resolver.Resolve: tenant %s: %w", tenant.Slug, accessErr)
	}

	return tenant, nil
}

// fromCache returns a usable cached tenant or nil. Write-class requests skip
// entries past the stale threshold so lifecycle changes are observed before
// mutations.
func (r *Resolver) fromCache(ctx context.Context, key string, write bool) *domain.Tenant {
	entry, err := r.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("resolver cache get failed")
		return nil
	}
	if entry == nil || entry.Tenant == nil {
		return nil
	}
	if write && time.Since(entry.CachedAt) > r.staleAfter {
		return nil
	}
	return entry.Tenant
}

// Invalidate drops cached resolutions for the given routing keys.
func (r *Resolver) Invalidate(ctx context.Context, keys ...string) {
	keys = nonEmpty(keys)
	if len(keys) == 0 {
		return
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("resolver cache invalidation failed")
	}
}

// WatchLifecycle consumes lifecycle events and invalidates affected cache
// entries until ctx is cancelled.
func (r *Resolver) WatchLifecycle(ctx context.Context, sub Subscriber, channel string) error {
	messages, cleanup, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("resolver.WatchLifecycle: %w", err)
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-messages:
			if !ok {
				return nil
			}

			var ev domain.LifecycleEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				log.Warn().Err(err).Msg("malformed lifecycle event")
				continue
			}

			r.Invalidate(ctx, ev.RoutingKey, ev.CustomHost)
			log.Debug().
				Str("tenant", ev.TenantID.String()).
				Str("from", string(ev.From)).
				Str("to", string(ev.To)).
				Msg("resolver cache invalidated")
		}
	}
}

func nonEmpty(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
