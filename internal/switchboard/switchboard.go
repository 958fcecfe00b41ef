// Package switchboard owns the per-tenant connection pools. A resolved
// request checks a Lease out of its tenant's pool for the request lifetime;
// pools for other tenants are never reachable from it.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/perch-labs/switchyard/internal/domain"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("switchboard: closed")

// Row is the scan half of a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Session is one checked-out connection scoped to exactly one tenant's
// physical store.
type Session interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Release()
}

// Store is an open, bounded connection pool for one physical store.
// Acquire blocks until a connection frees up or ctx is done. Close blocks
// until all acquired sessions are released.
type Store interface {
	Acquire(ctx context.Context) (Session, error)
	Close()
}

// Backend opens physical stores by name. The pgx implementation lives in
// internal/store/postgres.
type Backend interface {
	OpenStore(ctx context.Context, storeName string) (Store, error)
}

// Config bounds pool behaviour. All fields are required.
type Config struct {
	AcquireTimeout time.Duration
	IdleTenantTTL  time.Duration
	SweepInterval  time.Duration
	OpenAttempts   int
	OpenBackoff    time.Duration
}

// Switchboard maps tenants to their open pools. Pools are created lazily on
// first acquire and swept after IdleTenantTTL without a checkout.
type Switchboard struct {
	backend Backend
	cfg     Config

	mu     sync.Mutex
	pools  map[uuid.UUID]*tenantPool
	closed bool

	// group collapses concurrent open attempts for the same tenant into one.
	group singleflight.Group
}

type tenantPool struct {
	store      Store
	storeName  string
	leases     int
	lastAccess time.Time
}

func New(backend Backend, cfg Config) *Switchboard {
	return &Switchboard{
		backend: backend,
		cfg:     cfg,
		pools:   make(map[uuid.UUID]*tenantPool),
	}
}

// Lease is one store handle checked out for a single request. Release is
// idempotent and must run on every exit path; the binding middleware defers
// it.
type Lease struct {
	sess   Session
	tenant *domain.Tenant
	sb     *Switchboard
	once   sync.Once
}

func (l *Lease) Session() Session       { return l.sess }
func (l *Lease) Tenant() *domain.Tenant { return l.tenant }

// Release returns the session to its pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.sess.Release()
		l.sb.checkin(l.tenant.ID)
	})
}

// Acquire checks a session out of the tenant's pool. It waits up to
// AcquireTimeout for a free connection, then fails with ErrPoolExhausted.
// Opening a missing pool is retried with backoff before ErrStoreUnavailable.
// Only routable tenants may acquire; the resolver enforces this first, the
// check here is the last line of defence.
func (s *Switchboard) Acquire(ctx context.Context, t *domain.Tenant) (*Lease, error) {
	if err := t.AccessError(); err != nil {
		return nil, fmt.Errorf("switchboard.Acquire: tenant %s: %w", t.Slug, err)
	}

	tp, err := s.reserve(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("switchboard.Acquire: tenant %s: %w", t.Slug, err)
	}

	acqCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	sess, err := tp.store.Acquire(acqCtx)
	if err != nil {
		s.checkin(t.ID)
		if ctx.Err() != nil {
			// Caller cancelled; not a pool condition.
			return nil, fmt.Errorf("switchboard.Acquire: tenant %s: %w", t.Slug, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || acqCtx.Err() != nil {
			return nil, fmt.Errorf("switchboard.Acquire: tenant %s: %w", t.Slug, domain.ErrPoolExhausted)
		}
		return nil, fmt.Errorf("switchboard.Acquire: tenant %s: %v: %w", t.Slug, err, domain.ErrStoreUnavailable)
	}

	return &Lease{sess: sess, tenant: t, sb: s}, nil
}

// reserve returns the tenant's pool with its lease count already bumped, so
// the sweeper cannot close the pool between lookup and store.Acquire.
func (s *Switchboard) reserve(ctx context.Context, t *domain.Tenant) (*tenantPool, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if tp, ok := s.pools[t.ID]; ok {
			tp.leases++
			tp.lastAccess = time.Now()
			s.mu.Unlock()
			return tp, nil
		}
		s.mu.Unlock()

		_, err, _ := s.group.Do(t.ID.String(), func() (any, error) {
			s.mu.Lock()
			_, exists := s.pools[t.ID]
			s.mu.Unlock()
			if exists {
				return nil, nil
			}

			st, openErr := s.openWithRetry(ctx, t.StoreName)
			if openErr != nil {
				return nil, openErr
			}

			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				st.Close()
				return nil, ErrClosed
			}
			s.pools[t.ID] = &tenantPool{store: st, storeName: t.StoreName, lastAccess: time.Now()}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

func (s *Switchboard) openWithRetry(ctx context.Context, storeName string) (Store, error) {
	backoff := s.cfg.OpenBackoff
	var lastErr error

	for attempt := 1; attempt <= s.cfg.OpenAttempts; attempt++ {
		st, err := s.backend.OpenStore(ctx, storeName)
		if err == nil {
			return st, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("store", storeName).Int("attempt", attempt).Msg("store open failed")

		if attempt < s.cfg.OpenAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("open store %q after %d attempts: %v: %w",
		storeName, s.cfg.OpenAttempts, lastErr, domain.ErrStoreUnavailable)
}

func (s *Switchboard) checkin(tenantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tp, ok := s.pools[tenantID]; ok {
		tp.leases--
		tp.lastAccess = time.Now()
	}
}

// PoolCount reports how many tenant pools are currently open.
func (s *Switchboard) PoolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools)
}

// Evict closes the tenant's pool if no leases are checked out. Returns true
// when the tenant holds no pool afterwards. Used by the retirement path
// before destroying the physical store.
func (s *Switchboard) Evict(tenantID uuid.UUID) bool {
	s.mu.Lock()
	tp, ok := s.pools[tenantID]
	if !ok {
		s.mu.Unlock()
		return true
	}
	if tp.leases > 0 {
		s.mu.Unlock()
		return false
	}
	delete(s.pools, tenantID)
	s.mu.Unlock()

	tp.store.Close()
	return true
}

// Run sweeps idle pools until ctx is cancelled.
func (s *Switchboard) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep closes pools that have had no checkout for IdleTenantTTL. A pool
// with outstanding leases is never closed, regardless of age.
func (s *Switchboard) sweep() {
	cutoff := time.Now().Add(-s.cfg.IdleTenantTTL)

	s.mu.Lock()
	var victims []*tenantPool
	for id, tp := range s.pools {
		if tp.leases == 0 && tp.lastAccess.Before(cutoff) {
			victims = append(victims, tp)
			delete(s.pools, id)
		}
	}
	s.mu.Unlock()

	// Close outside the lock; Store.Close may block.
	for _, tp := range victims {
		log.Debug().Str("store", tp.storeName).Msg("evicting idle tenant pool")
		tp.store.Close()
	}
}

// Close closes every pool and rejects further acquires. Blocks until open
// stores have drained their sessions.
func (s *Switchboard) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	victims := make([]*tenantPool, 0, len(s.pools))
	for id, tp := range s.pools {
		victims = append(victims, tp)
		delete(s.pools, id)
	}
	s.mu.Unlock()

	for _, tp := range victims {
		tp.store.Close()
	}
}
