package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perch-labs/switchyard/internal/config"
	"github.com/perch-labs/switchyard/internal/switchboard"
)

// Backend opens per-tenant pgx pools for the switchboard. All tenant
// databases live on the host configured in StoresConfig.
type Backend struct {
	cfg config.StoresConfig
}

func NewBackend(cfg config.StoresConfig) *Backend {
	return &Backend{cfg: cfg}
}

// OpenStore opens a bounded pool against the named tenant database and
// verifies connectivity before handing it to the switchboard.
func (b *Backend) OpenStore(ctx context.Context, storeName string) (switchboard.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(b.cfg.StoreDSN(storeName))
	if err != nil {
		return nil, fmt.Errorf("postgres.OpenStore: parse config: %w", err)
	}

	poolCfg.MaxConns = int32(b.cfg.MaxConnsPerTenant) //nolint:gosec // bounds checked by config validate

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.OpenStore: connect %q: %w", storeName, err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.OpenStore: ping %q: %w", storeName, err)
	}

	return &storePool{pool: pool}, nil
}

// storePool adapts *pgxpool.Pool to switchboard.Store.
type storePool struct {
	pool *pgxpool.Pool
}

func (p *storePool) Acquire(ctx context.Context) (switchboard.Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres.storePool.Acquire: %w", err)
	}
	return &session{conn: conn}, nil
}

// Close blocks until all acquired connections are released.
func (p *storePool) Close() {
	p.pool.Close()
}

// session adapts *pgxpool.Conn to switchboard.Session.
type session struct {
	conn *pgxpool.Conn
}

func (s *session) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("postgres.session.Ping: %w", err)
	}
	return nil
}

func (s *session) Exec(ctx context.Context, sql string, args ...any) error {
	if _, err := s.conn.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("postgres.session.Exec: %w", err)
	}
	return nil
}

func (s *session) QueryRow(ctx context.Context, sql string, args ...any) switchboard.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *session) Release() {
	s.conn.Release()
}
