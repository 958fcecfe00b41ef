package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	// StatusPending means the tenant is registered but its physical store
	// does not exist yet.
	StatusPending TenantStatus = "pending"
	// StatusProvisioning means the physical store is being created and its
	// schema applied. Not routable.
	StatusProvisioning TenantStatus = "provisioning"
	// StatusActive means the store exists, schema is verified, and the
	// resolver may route traffic to it.
	StatusActive TenantStatus = "active"
	// StatusSuspended means routing is blocked (billing or abuse policy).
	// In-flight leases are allowed to drain.
	StatusSuspended TenantStatus = "suspended"
	// StatusRetired is terminal. The physical store is destroyed after the
	// retention window elapses.
	StatusRetired TenantStatus = "retired"
)

// ValidTransition reports whether s -> to is a legal lifecycle transition.
func (s TenantStatus) ValidTransition(to TenantStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProvisioning
	case StatusProvisioning:
		// Failed provisioning drops back to pending for retry.
		return to == StatusActive || to == StatusPending
	case StatusActive:
		return to == StatusSuspended || to == StatusRetired
	case StatusSuspended:
		return to == StatusActive || to == StatusRetired
	case StatusRetired:
		return false
	}
	return false
}

// Routable reports whether the resolver may bind requests for this status.
func (s TenantStatus) Routable() bool {
	return s == StatusActive
}

// Tenant is one customer organization in the shared registry. It never lives
// in per-tenant storage.
type Tenant struct {
	ID         uuid.UUID
	Name       string
	Slug       string // routing key: leftmost host label under the base domain
	CustomHost string // optional full-host alias, e.g. "data.acme.io"
	StoreName  string // physical database owned by this tenant
	Status     TenantStatus

	// Provisioning bookkeeping, for operator diagnosis.
	ProvisionAttempts int
	LastError         string
	SchemaVersion     int

	CreatedAt time.Time
	UpdatedAt time.Time
	RetiredAt *time.Time
}

// AccessError maps the tenant's status to the routing error returned when a
// request resolves to it, or nil when the tenant is routable. A provisioning
// or pending tenant is reported as not ready so partially provisioned state
// never leaks to callers.
func (t *Tenant) AccessError() error {
	switch t.Status {
	case StatusActive:
		return nil
	case StatusPending, StatusProvisioning:
		return ErrTenantNotReady
	case StatusSuspended:
		return ErrTenantSuspended
	case StatusRetired:
		return ErrTenantRetired
	}
	return ErrTenantNotReady
}

// StoreNameForSlug derives the physical database name for a routing slug.
// Slugs are lowercase alphanumeric with hyphens; database identifiers use
// underscores.
func StoreNameForSlug(slug string) string {
	return "tenant_" + strings.ReplaceAll(slug, "-", "_")
}

// TenantRegistry is the single shared store mapping routing keys to tenant
// metadata and store locations. Status writes are compare-and-set so two
// concurrent lifecycle operations cannot race each other.
type TenantRegistry interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	// GetByRoutingKey matches the slug or a custom host alias.
	GetByRoutingKey(ctx context.Context, key string) (*Tenant, error)
	// UpdateStatus transitions id from "from" to "to" atomically. Returns
	// ErrConflict if the current status is not "from", ErrNotFound if the
	// tenant does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to TenantStatus) error
	// Activate transitions provisioning -> active and records the verified
	// schema version in the same statement.
	Activate(ctx context.Context, id uuid.UUID, schemaVersion int) error
	// RecordProvisionAttempt persists the attempt counter and last error.
	RecordProvisionAttempt(ctx context.Context, id uuid.UUID, attempts int, lastError string) error
	// MarkStoreDropped records that the retired tenant's physical store has
	// been destroyed.
	MarkStoreDropped(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*Tenant, error)
	ListByStatus(ctx context.Context, status TenantStatus) ([]*Tenant, error)
	// ListDestroyable returns retired tenants whose retention window ended
	// before the cutoff and whose store still exists.
	ListDestroyable(ctx context.Context, cutoff time.Time) ([]*Tenant, error)
}
