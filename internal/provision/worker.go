// Package provision drives the tenant lifecycle from registration to a
// query-ready store, and destroys retired stores after their retention
// window.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/metrics"
)

// Executor performs the physical-store steps the worker emits intents for.
// The pgx implementation lives in internal/store/postgres. Every method is
// idempotent so a retried run can resume where the last one failed.
type Executor interface {
	CreateStore(ctx context.Context, storeName string) error
	ApplySchema(ctx context.Context, storeName string) error
	VerifySchema(ctx context.Context, storeName string) (int, error)
	DestroyStore(ctx context.Context, storeName string) error
}

// Publisher is the event bus subset the worker needs.
type Publisher interface {
	PublishLifecycle(ctx context.Context, ev domain.LifecycleEvent) error
}

// PoolEvictor gates store destruction on outstanding handles. The
// switchboard implements it.
type PoolEvictor interface {
	Evict(tenantID uuid.UUID) bool
}

// Config bounds the worker's retry and retention behaviour.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	// BaseBackoff doubles per failed attempt, capped at MaxBackoff.
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	RetentionWindow time.Duration
	// ExpectedSchemaVersion is the version a store must verify at before its
	// tenant activates.
	ExpectedSchemaVersion int
}

// Worker polls the registry and advances tenants through the lifecycle. Safe
// to run alongside other workers: every transition is compare-and-set, so a
// lost race simply skips the tenant.
type Worker struct {
	registry domain.TenantRegistry
	exec     Executor
	bus      Publisher
	pools    PoolEvictor
	metrics  *metrics.Metrics
	cfg      Config

	// now is stubbed in tests.
	now func() time.Time
}

func NewWorker(registry domain.TenantRegistry, exec Executor, bus Publisher, pools PoolEvictor, m *metrics.Metrics, cfg Config) *Worker {
	return &Worker{
		registry: registry,
		exec:     exec,
		bus:      bus,
		pools:    pools,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetNow overrides the worker's clock for tests.
func (w *Worker) SetNow(now func() time.Time) { w.now = now }

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProvisionPending(ctx)
			w.DestroyRetired(ctx)
		}
	}
}

// ProvisionPending picks up pending tenants that are due (first attempt, or
// past their backoff) and provisions each one.
func (w *Worker) ProvisionPending(ctx context.Context) {
	tenants, err := w.registry.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		log.Error().Err(err).Msg("provision: list pending tenants")
		return
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if !w.due(t) {
			continue
		}
		w.provisionTenant(ctx, t)
	}
}

// due applies the retry policy: exhausted tenants wait for an operator,
// failed ones wait out their backoff.
func (w *Worker) due(t *domain.Tenant) bool {
	if t.ProvisionAttempts >= w.cfg.MaxAttempts {
		return false
	}
	if t.ProvisionAttempts == 0 {
		return true
	}
	return w.now().Sub(t.UpdatedAt) >= w.backoffFor(t.ProvisionAttempts)
}

func (w *Worker) backoffFor(attempts int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	if d > w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	return d
}

func (w *Worker) provisionTenant(ctx context.Context, t *domain.Tenant) {
	err := w.registry.UpdateStatus(ctx, t.ID, domain.StatusPending, domain.StatusProvisioning)
	if errors.Is(err, domain.ErrConflict) {
		// Another worker claimed it.
		return
	}
	if err != nil {
		log.Error().Err(err).Str("tenant", t.Slug).Msg("provision: claim tenant")
		return
	}
	w.publish(ctx, t, domain.StatusPending, domain.StatusProvisioning)

	err = w.provisionStore(ctx, t)
	if err == nil {
		w.publish(ctx, t, domain.StatusProvisioning, domain.StatusActive)
		w.metrics.ProvisionSucceeded.Inc()
		log.Info().Str("tenant", t.Slug).Str("store", t.StoreName).Msg("tenant provisioned")
		return
	}

	attempts := t.ProvisionAttempts + 1
	if recErr := w.registry.RecordProvisionAttempt(ctx, t.ID, attempts, err.Error()); recErr != nil {
		log.Error().Err(recErr).Str("tenant", t.Slug).Msg("provision: record attempt")
	}
	if casErr := w.registry.UpdateStatus(ctx, t.ID, domain.StatusProvisioning, domain.StatusPending); casErr != nil {
		log.Error().Err(casErr).Str("tenant", t.Slug).Msg("provision: release claim")
	}
	w.publish(ctx, t, domain.StatusProvisioning, domain.StatusPending)

	if attempts >= w.cfg.MaxAttempts {
		w.metrics.ProvisionFailedPermanent.Inc()
		log.Error().Err(err).
			Str("tenant", t.Slug).
			Int("attempts", attempts).
			Msg("provisioning exhausted retry budget, operator attention required")
		return
	}

	w.metrics.ProvisionRetried.Inc()
	log.Warn().Err(err).
		Str("tenant", t.Slug).
		Int("attempts", attempts).
		Dur("next_retry_in", w.backoffFor(attempts)).
		Msg("provisioning failed, will retry")
}

// provisionStore creates the physical store, applies and verifies the
// schema, and activates the tenant. The resolver keeps treating the tenant
// as not-ready until the activation lands.
func (w *Worker) provisionStore(ctx context.Context, t *domain.Tenant) error {
	if err := w.exec.CreateStore(ctx, t.StoreName); err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := w.exec.ApplySchema(ctx, t.StoreName); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	version, err := w.exec.VerifySchema(ctx, t.StoreName)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	if version != w.cfg.ExpectedSchemaVersion {
		return fmt.Errorf("schema version %d, expected %d: %w",
			version, w.cfg.ExpectedSchemaVersion, domain.ErrProvisioningFailed)
	}

	if err := w.registry.Activate(ctx, t.ID, version); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	return nil
}

// DestroyRetired destroys stores of tenants retired longer than the
// retention window, but only once the switchboard holds no handles for them.
func (w *Worker) DestroyRetired(ctx context.Context) {
	cutoff := w.now().Add(-w.cfg.RetentionWindow)

	tenants, err := w.registry.ListDestroyable(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("provision: list destroyable tenants")
		return
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if !w.pools.Evict(t.ID) {
			// Handles still checked out; try again next poll.
			log.Debug().Str("tenant", t.Slug).Msg("destroy deferred, leases outstanding")
			continue
		}
		if err := w.exec.DestroyStore(ctx, t.StoreName); err != nil {
			log.Error().Err(err).Str("tenant", t.Slug).Str("store", t.StoreName).Msg("destroy store")
			continue
		}
		if err := w.registry.MarkStoreDropped(ctx, t.ID); err != nil {
			log.Error().Err(err).Str("tenant", t.Slug).Msg("mark store dropped")
			continue
		}
		w.metrics.StoresDestroyed.Inc()
		log.Info().Str("tenant", t.Slug).Str("store", t.StoreName).Msg("retired store destroyed")
	}
}

func (w *Worker) publish(ctx context.Context, t *domain.Tenant, from, to domain.TenantStatus) {
	ev := domain.LifecycleEvent{
		TenantID:   t.ID,
		RoutingKey: t.Slug,
		CustomHost: t.CustomHost,
		From:       from,
		To:         to,
		At:         w.now(),
	}
	if err := w.bus.PublishLifecycle(ctx, ev); err != nil {
		log.Warn().Err(err).Str("tenant", t.Slug).Msg("publish lifecycle event")
	}
}
