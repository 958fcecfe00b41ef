package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/migrations"
)

const tenantColumns = `id, name, slug, custom_host, store_name, status,
	provision_attempts, last_error, schema_version, created_at, updated_at, retired_at`

// Registry is the pgx-backed tenant registry. It is the single shared store;
// it is never tenant-scoped.
type Registry struct {
	pool *pgxpool.Pool
}

// NewRegistry connects to the registry database and verifies the connection.
func NewRegistry(ctx context.Context, dsn string, maxConns int32) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.NewRegistry: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.NewRegistry: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.NewRegistry: ping: %w", err)
	}

	return &Registry{pool: pool}, nil
}

func (r *Registry) Close() {
	r.pool.Close()
}

// Migrate applies the embedded registry schema. Statements are idempotent.
func (r *Registry) Migrate(ctx context.Context) error {
	schema, err := migrations.FS.ReadFile("registry.sql")
	if err != nil {
		return fmt.Errorf("registry.Migrate: read schema: %w", err)
	}

	_, err = r.pool.Exec(ctx, string(schema))
	if err != nil {
		return fmt.Errorf("registry.Migrate: apply schema: %w", err)
	}

	return nil
}

func (r *Registry) Create(ctx context.Context, t *domain.Tenant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, custom_host, store_name, status, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		t.ID, t.Name, t.Slug, t.CustomHost, t.StoreName, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry.Create: slug %q: %w", t.Slug, domain.ErrConflict)
		}
		return fmt.Errorf("registry.Create: %w", err)
	}

	return nil
}

func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	t, err := r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("registry.GetByID: %w", err)
	}
	return t, nil
}

// GetByRoutingKey matches the slug or a custom host alias.
func (r *Registry) GetByRoutingKey(ctx context.Context, key string) (*domain.Tenant, error) {
	t, err := r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1 OR custom_host = $1`, key))
	if err != nil {
		return nil, fmt.Errorf("registry.GetByRoutingKey: %w", err)
	}
	return t, nil
}

// UpdateStatus is compare-and-set on the status column: the update applies
// only when the current status equals "from", so two concurrent lifecycle
// operations cannot both win.
func (r *Registry) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.TenantStatus) error {
	if !from.ValidTransition(to) {
		return fmt.Errorf("registry.UpdateStatus: %s -> %s: %w", from, to, domain.ErrConflict)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants
		 SET status = $1,
		     updated_at = now(),
		     retired_at = CASE WHEN $1 = 'retired' THEN now() ELSE retired_at END
		 WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return fmt.Errorf("registry.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id, "registry.UpdateStatus")
	}

	return nil
}

// Activate transitions provisioning -> active and records the verified
// schema version in the same statement.
func (r *Registry) Activate(ctx context.Context, id uuid.UUID, schemaVersion int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants
		 SET status = 'active', schema_version = $1, last_error = '', updated_at = now()
		 WHERE id = $2 AND status = 'provisioning'`,
		schemaVersion, id,
	)
	if err != nil {
		return fmt.Errorf("registry.Activate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id, "registry.Activate")
	}

	return nil
}

func (r *Registry) RecordProvisionAttempt(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET provision_attempts = $1, last_error = $2, updated_at = now()
		 WHERE id = $3`,
		attempts, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("registry.RecordProvisionAttempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry.RecordProvisionAttempt: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *Registry) MarkStoreDropped(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET store_dropped = true, updated_at = now()
		 WHERE id = $1 AND status = 'retired'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("registry.MarkStoreDropped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id, "registry.MarkStoreDropped")
	}

	return nil
}

func (r *Registry) List(ctx context.Context) ([]*domain.Tenant, error) {
	return r.list(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at LIMIT 500`)
}

func (r *Registry) ListByStatus(ctx context.Context, status domain.TenantStatus) ([]*domain.Tenant, error) {
	return r.list(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE status = $1 ORDER BY created_at LIMIT 500`,
		status)
}

// ListDestroyable returns retired tenants whose retention window ended before
// the cutoff and whose physical store still exists.
func (r *Registry) ListDestroyable(ctx context.Context, cutoff time.Time) ([]*domain.Tenant, error) {
	return r.list(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE status = 'retired' AND store_dropped = false AND retired_at < $1
		 ORDER BY retired_at LIMIT 100`,
		cutoff)
}

func (r *Registry) list(ctx context.Context, sql string, args ...any) ([]*domain.Tenant, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("registry.list: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		t, scanErr := r.scanOne(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("registry.list: %w", scanErr)
		}
		tenants = append(tenants, t)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("registry.list: rows: %w", err)
	}

	return tenants, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Registry) scanOne(row rowScanner) (*domain.Tenant, error) {
	var (
		t          domain.Tenant
		customHost *string
	)

	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &customHost, &t.StoreName, &t.Status,
		&t.ProvisionAttempts, &t.LastError, &t.SchemaVersion,
		&t.CreatedAt, &t.UpdatedAt, &t.RetiredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if customHost != nil {
		t.CustomHost = *customHost
	}

	return &t, nil
}

// missOrConflict distinguishes a missing tenant from a lost CAS race.
func (r *Registry) missOrConflict(ctx context.Context, id uuid.UUID, op string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, domain.ErrConflict)
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
