package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/router"
	"github.com/perch-labs/switchyard/internal/server/middleware"
	"github.com/perch-labs/switchyard/internal/switchboard"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// ---------------------------------------------------------------------------
// Fake binder - hands out real leases from a single-tenant switchboard so
// release semantics are exercised end to end.
// ---------------------------------------------------------------------------

type fakeSession struct {
	mu       sync.Mutex
	released int
}

func (s *fakeSession) Ping(context.Context) error                 { return nil }
func (s *fakeSession) Exec(context.Context, string, ...any) error { return nil }
func (s *fakeSession) QueryRow(context.Context, string, ...any) switchboard.Row {
	return fakeRow{}
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *fakeSession) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeRow struct{}

func (fakeRow) Scan(...any) error { return nil }

type fakeStore struct {
	sess *fakeSession
}

func (s *fakeStore) Acquire(context.Context) (switchboard.Session, error) { return s.sess, nil }
func (s *fakeStore) Close()                                               {}

type fakeBackend struct {
	sess *fakeSession
}

func (b *fakeBackend) OpenStore(context.Context, string) (switchboard.Store, error) {
	return &fakeStore{sess: b.sess}, nil
}

// mockBinder returns a fresh real binding per call, or a fixed error. It
// records the write flag and the last session it handed out.
type mockBinder struct {
	err    error
	tenant *domain.Tenant
	sb     *switchboard.Switchboard

	mu        sync.Mutex
	lastWrite bool
	lastSess  *fakeSession
}

func newMockBinder(t *testing.T, bindErr error) *mockBinder {
	t.Helper()

	tenant := &domain.Tenant{
		ID:        uuid.New(),
		Slug:      "acme",
		StoreName: "tenant_acme",
		Status:    domain.StatusActive,
	}
	sess := &fakeSession{}
	sb := switchboard.New(&fakeBackend{sess: sess}, switchboard.Config{
		AcquireTimeout: time.Second,
		IdleTenantTTL:  time.Hour,
		SweepInterval:  time.Hour,
		OpenAttempts:   1,
		OpenBackoff:    time.Millisecond,
	})
	t.Cleanup(sb.Close)

	return &mockBinder{err: bindErr, tenant: tenant, sb: sb, lastSess: sess}
}

func (m *mockBinder) Bind(ctx context.Context, _ string, write bool) (*router.Binding, error) {
	m.mu.Lock()
	m.lastWrite = write
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	lease, err := m.sb.Acquire(ctx, m.tenant)
	if err != nil {
		return nil, err
	}
	return &router.Binding{Tenant: m.tenant, Lease: lease}, nil
}

func (m *mockBinder) wroteFlag() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWrite
}

// ---------------------------------------------------------------------------
// TenantBind
// ---------------------------------------------------------------------------

func TestTenantBind_InjectsBindingAndReleases(t *testing.T) {
	t.Parallel()

	binder := newMockBinder(t, nil)

	var sawBinding *router.Binding
	handler := middleware.TenantBind(binder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := middleware.BindingFromContext(r.Context())
		require.True(t, ok, "binding must be in the request context")
		sawBinding = b
		assert.NoError(t, b.Lease.Session().Ping(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://acme.switchyard.dev/ping", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawBinding)
	assert.Equal(t, "acme", sawBinding.Tenant.Slug)
	assert.Equal(t, 1, binder.lastSess.releaseCount(), "lease released after the handler returns")
}

func TestTenantBind_ReleasesOnHandlerPanic(t *testing.T) {
	t.Parallel()

	binder := newMockBinder(t, nil)
	handler := middleware.TenantBind(binder)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler blew up")
	}))

	req := httptest.NewRequest(http.MethodGet, "http://acme.switchyard.dev/ping", nil)
	rec := httptest.NewRecorder()

	assert.Panics(t, func() { handler.ServeHTTP(rec, req) })
	assert.Equal(t, 1, binder.lastSess.releaseCount(), "lease released even when the handler panics")
}

func TestTenantBind_WriteClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method    string
		wantWrite bool
	}{
		{http.MethodGet, false},
		{http.MethodHead, false},
		{http.MethodOptions, false},
		{http.MethodPost, true},
		{http.MethodPut, true},
		{http.MethodPatch, true},
		{http.MethodDelete, true},
	}

	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			t.Parallel()

			binder := newMockBinder(t, nil)
			handler := middleware.TenantBind(binder)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tc.method, "http://acme.switchyard.dev/x", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tc.wantWrite, binder.wroteFlag())
		})
	}
}

func TestTenantBind_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "unknown tenant", err: domain.ErrUnknownTenant, wantStatus: http.StatusNotFound},
		{name: "not ready", err: domain.ErrTenantNotReady, wantStatus: http.StatusTooEarly},
		{name: "suspended", err: domain.ErrTenantSuspended, wantStatus: http.StatusForbidden},
		{name: "retired", err: domain.ErrTenantRetired, wantStatus: http.StatusGone},
		{name: "pool exhausted", err: domain.ErrPoolExhausted, wantStatus: http.StatusTooManyRequests},
		{name: "store unavailable", err: domain.ErrStoreUnavailable, wantStatus: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// Wrapped the way the resolver and switchboard report them.
			binder := newMockBinder(t, fmt.Errorf("bind host: %w", tc.err))
			handler := middleware.TenantBind(binder)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run on bind failure")
			}))

			req := httptest.NewRequest(http.MethodGet, "http://acme.switchyard.dev/ping", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusTooManyRequests {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func signToken(t *testing.T, secret, subject, role string, expiresIn time.Duration) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(expiresIn).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func authedHandler(secret string) (http.Handler, *struct{ subject, role string }) {
	seen := &struct{ subject, role string }{}
	h := middleware.Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.subject, _ = middleware.SubjectFromContext(r.Context())
		seen.role, _ = middleware.RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, seen
}

func TestAuth_ValidToken_PopulatesContext(t *testing.T) {
	t.Parallel()

	handler, seen := authedHandler(testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "ops@example.com", middleware.RoleAdmin, time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops@example.com", seen.subject)
	assert.Equal(t, middleware.RoleAdmin, seen.role)
}

func TestAuth_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
	}{
		{name: "no credentials", header: ""},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz"},
		{name: "garbage token", header: "Bearer not-a-jwt"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler, _ := authedHandler(testSecret)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()

		handler, _ := authedHandler(testSecret)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "ops", middleware.RoleAdmin, -time.Hour))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()

		handler, _ := authedHandler(testSecret)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "ffffffffffffffffffffffffffffffff", "ops", middleware.RoleAdmin, time.Hour))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

// ---------------------------------------------------------------------------
// RequireRole
// ---------------------------------------------------------------------------

func TestRequireRole(t *testing.T) {
	t.Parallel()

	run := func(role string, mw func(http.Handler) http.Handler) int {
		handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if role != "" {
			req = req.WithContext(context.WithValue(req.Context(), middleware.ContextKeyRole, role))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("matching role passes", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, http.StatusOK, run(middleware.RoleAdmin, middleware.RequireAdmin()))
	})

	t.Run("any of several roles passes", func(t *testing.T) {
		t.Parallel()
		mw := middleware.RequireRole(middleware.RoleAdmin, middleware.RoleViewer)
		assert.Equal(t, http.StatusOK, run(middleware.RoleViewer, mw))
	})

	t.Run("wrong role forbidden", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, http.StatusForbidden, run(middleware.RoleViewer, middleware.RequireAdmin()))
	})

	t.Run("no role unauthorized", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, http.StatusUnauthorized, run("", middleware.RequireAdmin()))
	})
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func bindingCtx(t *testing.T) context.Context {
	t.Helper()

	binder := newMockBinder(t, nil)
	binding, err := binder.Bind(context.Background(), "acme.switchyard.dev", false)
	require.NoError(t, err)
	t.Cleanup(binding.Release)

	return context.WithValue(context.Background(), middleware.ContextKeyBinding, binding)
}

func TestRateLimitByTenant(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := middleware.RateLimitByTenant(ctx, 1, 1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("no binding is a server error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("burst then 429", func(t *testing.T) {
		reqCtx := bindingCtx(t)

		first := httptest.NewRecorder()
		handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(reqCtx))
		assert.Equal(t, http.StatusOK, first.Code)

		second := httptest.NewRecorder()
		handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(reqCtx))
		assert.Equal(t, http.StatusTooManyRequests, second.Code)
	})

	t.Run("tenants limited independently", func(t *testing.T) {
		// A fresh tenant has its own bucket regardless of the exhausted one.
		other := httptest.NewRecorder()
		handler.ServeHTTP(other, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(bindingCtx(t)))
		assert.Equal(t, http.StatusOK, other.Code)
	})
}

func TestRateLimitByIP(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := middleware.RateLimitByIP(ctx, 1, 1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := func(addr string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		return r
	}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	otherIP := httptest.NewRecorder()
	handler.ServeHTTP(otherIP, req("10.0.0.2:1234"))
	assert.Equal(t, http.StatusOK, otherIP.Code)
}
