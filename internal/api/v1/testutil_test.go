package v1_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers - inject the operator role for DoCtx
// ---------------------------------------------------------------------------

func adminCtx() context.Context {
	return roleCtx(middleware.RoleAdmin)
}

func roleCtx(role string) context.Context {
	return context.WithValue(context.Background(), middleware.ContextKeyRole, role)
}

// ---------------------------------------------------------------------------
// Mock TenantRegistry
// ---------------------------------------------------------------------------

// mockRegistry implements domain.TenantRegistry. Methods without a func set
// panic if called.
type mockRegistry struct {
	createFunc       func(ctx context.Context, t *domain.Tenant) error
	getByIDFunc      func(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	updateStatusFunc func(ctx context.Context, id uuid.UUID, from, to domain.TenantStatus) error
	listFunc         func(ctx context.Context) ([]*domain.Tenant, error)
	listByStatusFunc func(ctx context.Context, status domain.TenantStatus) ([]*domain.Tenant, error)
}

func (m *mockRegistry) Create(ctx context.Context, t *domain.Tenant) error {
	return m.createFunc(ctx, t)
}

func (m *mockRegistry) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockRegistry) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.TenantStatus) error {
	return m.updateStatusFunc(ctx, id, from, to)
}

func (m *mockRegistry) List(ctx context.Context) ([]*domain.Tenant, error) {
	return m.listFunc(ctx)
}

func (m *mockRegistry) ListByStatus(ctx context.Context, status domain.TenantStatus) ([]*domain.Tenant, error) {
	return m.listByStatusFunc(ctx, status)
}

// Stub methods - not exercised by the admin API.

func (m *mockRegistry) GetByRoutingKey(context.Context, string) (*domain.Tenant, error) {
	panic("not implemented")
}
func (m *mockRegistry) Activate(context.Context, uuid.UUID, int) error { panic("not implemented") }
func (m *mockRegistry) RecordProvisionAttempt(context.Context, uuid.UUID, int, string) error {
	panic("not implemented")
}
func (m *mockRegistry) MarkStoreDropped(context.Context, uuid.UUID) error { panic("not implemented") }
func (m *mockRegistry) ListDestroyable(context.Context, time.Time) ([]*domain.Tenant, error) {
	panic("not implemented")
}

// ---------------------------------------------------------------------------
// Mock lifecycle publisher
// ---------------------------------------------------------------------------

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
	err    error
}

func (m *mockPublisher) PublishLifecycle(_ context.Context, ev domain.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) published() []domain.LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), m.events...)
}
