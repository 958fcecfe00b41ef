package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/metrics"
	"github.com/perch-labs/switchyard/internal/resolver"
	"github.com/perch-labs/switchyard/internal/router"
	"github.com/perch-labs/switchyard/internal/switchboard"
)

const baseDomain = "switchyard.dev"

// ---------------------------------------------------------------------------
// Fakes - a registry-backed resolver over an in-memory backend, so Bind runs
// the real resolution-before-acquire pipeline.
// ---------------------------------------------------------------------------

type mockRegistry struct {
	tenants map[string]*domain.Tenant
}

func (m *mockRegistry) GetByRoutingKey(_ context.Context, key string) (*domain.Tenant, error) {
	if t, ok := m.tenants[key]; ok {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockRegistry) Create(context.Context, *domain.Tenant) error { panic("not implemented") }
func (m *mockRegistry) GetByID(context.Context, uuid.UUID) (*domain.Tenant, error) {
	panic("not implemented")
}
func (m *mockRegistry) UpdateStatus(context.Context, uuid.UUID, domain.TenantStatus, domain.TenantStatus) error {
	panic("not implemented")
}
func (m *mockRegistry) Activate(context.Context, uuid.UUID, int) error { panic("not implemented") }
func (m *mockRegistry) RecordProvisionAttempt(context.Context, uuid.UUID, int, string) error {
	panic("not implemented")
}
func (m *mockRegistry) MarkStoreDropped(context.Context, uuid.UUID) error { panic("not implemented") }
func (m *mockRegistry) List(context.Context) ([]*domain.Tenant, error)    { panic("not implemented") }
func (m *mockRegistry) ListByStatus(context.Context, domain.TenantStatus) ([]*domain.Tenant, error) {
	panic("not implemented")
}
func (m *mockRegistry) ListDestroyable(context.Context, time.Time) ([]*domain.Tenant, error) {
	panic("not implemented")
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*resolver.Entry, error)  { return nil, nil }
func (nopCache) Set(context.Context, string, *resolver.Entry) error    { return nil }
func (nopCache) Delete(context.Context, ...string) error               { return nil }

type fakeBackend struct {
	mu    sync.Mutex
	opens int
	fail  error
}

func (b *fakeBackend) OpenStore(context.Context, string) (switchboard.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.fail != nil {
		return nil, b.fail
	}
	return &fakeStore{slots: make(chan struct{}, 1)}, nil
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type fakeStore struct {
	slots chan struct{}
}

func (s *fakeStore) Acquire(ctx context.Context) (switchboard.Session, error) {
	select {
	case s.slots <- struct{}{}:
		return &fakeSession{store: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStore) Close() {}

type fakeSession struct {
	store *fakeStore
}

func (s *fakeSession) Ping(context.Context) error                 { return nil }
func (s *fakeSession) Exec(context.Context, string, ...any) error { return nil }
func (s *fakeSession) QueryRow(context.Context, string, ...any) switchboard.Row {
	return fakeRow{}
}
func (s *fakeSession) Release() { <-s.store.slots }

type fakeRow struct{}

func (fakeRow) Scan(...any) error { return nil }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

func newRouter(t *testing.T, backend *fakeBackend, tenants ...*domain.Tenant) *router.Router {
	t.Helper()

	registry := &mockRegistry{tenants: make(map[string]*domain.Tenant)}
	for _, tn := range tenants {
		registry.tenants[tn.Slug] = tn
		if tn.CustomHost != "" {
			registry.tenants[tn.CustomHost] = tn
		}
	}

	res := resolver.New(registry, nopCache{}, baseDomain, 30*time.Second)
	sb := switchboard.New(backend, switchboard.Config{
		AcquireTimeout: 50 * time.Millisecond,
		IdleTenantTTL:  time.Hour,
		SweepInterval:  time.Hour,
		OpenAttempts:   1,
		OpenBackoff:    time.Millisecond,
	})
	t.Cleanup(sb.Close)

	return router.New(res, sb, metrics.New(prometheus.NewRegistry()))
}

func activeTenant(slug string) *domain.Tenant {
	return &domain.Tenant{
		ID:        uuid.New(),
		Slug:      slug,
		StoreName: domain.StoreNameForSlug(slug),
		Status:    domain.StatusActive,
	}
}

// ---------------------------------------------------------------------------
// Bind
// ---------------------------------------------------------------------------

func TestBind_ActiveTenant(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	rt := newRouter(t, backend, activeTenant("acme"))

	binding, err := rt.Bind(context.Background(), "acme.switchyard.dev", false)
	require.NoError(t, err)
	defer binding.Release()

	assert.Equal(t, "acme", binding.Tenant.Slug)
	assert.NoError(t, binding.Lease.Session().Ping(context.Background()))
	assert.Equal(t, 1, backend.openCount())
}

func TestBind_UnknownHostNeverTouchesStores(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	rt := newRouter(t, backend, activeTenant("acme"))

	cases := []string{
		"ghost.switchyard.dev", // no such tenant
		"switchyard.dev",       // apex
		"a.b.switchyard.dev",   // nested subdomain
	}

	for _, host := range cases {
		_, err := rt.Bind(context.Background(), host, false)
		require.ErrorIs(t, err, domain.ErrUnknownTenant, host)
	}

	assert.Equal(t, 0, backend.openCount(), "resolution failures must not open stores")
}

func TestBind_NonRoutableTenantNeverTouchesStores(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status  domain.TenantStatus
		wantErr error
	}{
		{domain.StatusPending, domain.ErrTenantNotReady},
		{domain.StatusProvisioning, domain.ErrTenantNotReady},
		{domain.StatusSuspended, domain.ErrTenantSuspended},
		{domain.StatusRetired, domain.ErrTenantRetired},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			t.Parallel()

			tenant := activeTenant("acme")
			tenant.Status = tc.status
			backend := &fakeBackend{}
			rt := newRouter(t, backend, tenant)

			_, err := rt.Bind(context.Background(), "acme.switchyard.dev", false)
			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, 0, backend.openCount())
		})
	}
}

func TestBind_CustomHost(t *testing.T) {
	t.Parallel()

	tenant := activeTenant("acme")
	tenant.CustomHost = "app.acme-corp.com"
	rt := newRouter(t, &fakeBackend{}, tenant)

	binding, err := rt.Bind(context.Background(), "app.acme-corp.com", true)
	require.NoError(t, err)
	defer binding.Release()

	assert.Equal(t, tenant.ID, binding.Tenant.ID)
}

func TestBind_StoreUnavailable(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{fail: errors.New("connect refused")}
	rt := newRouter(t, backend, activeTenant("acme"))

	_, err := rt.Bind(context.Background(), "acme.switchyard.dev", false)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestBind_PoolExhausted(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	rt := newRouter(t, backend, activeTenant("acme"))

	binding, err := rt.Bind(context.Background(), "acme.switchyard.dev", false)
	require.NoError(t, err)
	defer binding.Release()

	_, err = rt.Bind(context.Background(), "acme.switchyard.dev", false)
	require.ErrorIs(t, err, domain.ErrPoolExhausted)
}
