package domain

import "errors"

// Sentinel errors for the domain layer. Routing failures are deliberately
// distinct so the transport layer can map each to its own response without
// guessing.
var (
	ErrNotFound = errors.New("domain: not found")
	ErrConflict = errors.New("domain: conflict")

	// ErrUnknownTenant means the routing key has no registry entry.
	ErrUnknownTenant = errors.New("domain: unknown tenant")
	// ErrTenantNotReady means the tenant exists but is not provisioned yet.
	ErrTenantNotReady = errors.New("domain: tenant not ready")
	// ErrTenantSuspended means routing is blocked by policy.
	ErrTenantSuspended = errors.New("domain: tenant suspended")
	// ErrTenantRetired means the tenant has been offboarded.
	ErrTenantRetired = errors.New("domain: tenant retired")
	// ErrStoreUnavailable means opening or using the tenant's physical store
	// failed after bounded retries.
	ErrStoreUnavailable = errors.New("domain: store unavailable")
	// ErrPoolExhausted means all pooled connections stayed busy for the full
	// acquire timeout. Retryable by the caller.
	ErrPoolExhausted = errors.New("domain: pool exhausted")
	// ErrProvisioningFailed means store creation or schema application
	// exhausted its retry budget.
	ErrProvisioningFailed = errors.New("domain: provisioning failed")
)
