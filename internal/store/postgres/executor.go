package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perch-labs/switchyard/internal/config"
	"github.com/perch-labs/switchyard/migrations"
)

// Executor performs the physical store steps the provisioning worker emits:
// create database, apply schema, verify, destroy. It holds a small pool on
// the maintenance database of the store host; CREATE/DROP DATABASE cannot
// run inside the target database itself.
type Executor struct {
	admin *pgxpool.Pool
	cfg   config.StoresConfig
}

func NewExecutor(ctx context.Context, cfg config.StoresConfig) (*Executor, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.AdminDSN())
	if err != nil {
		return nil, fmt.Errorf("postgres.NewExecutor: parse config: %w", err)
	}

	poolCfg.MaxConns = 2

	admin, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.NewExecutor: connect: %w", err)
	}

	err = admin.Ping(ctx)
	if err != nil {
		admin.Close()
		return nil, fmt.Errorf("postgres.NewExecutor: ping: %w", err)
	}

	return &Executor{admin: admin, cfg: cfg}, nil
}

func (e *Executor) Close() {
	e.admin.Close()
}

// CreateStore creates the tenant database. Idempotent: an already existing
// database is not an error, so a retried provisioning run can continue with
// schema application.
func (e *Executor) CreateStore(ctx context.Context, storeName string) error {
	var exists bool
	err := e.admin.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, storeName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("executor.CreateStore: check %q: %w", storeName, err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE cannot be parameterised; the identifier is sanitised.
	_, err = e.admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{storeName}.Sanitize())
	if err != nil {
		return fmt.Errorf("executor.CreateStore: create %q: %w", storeName, err)
	}

	return nil
}

// ApplySchema runs the embedded tenant store schema against the tenant
// database. Statements are idempotent so retries are safe.
func (e *Executor) ApplySchema(ctx context.Context, storeName string) error {
	schema, err := migrations.FS.ReadFile("tenant_store.sql")
	if err != nil {
		return fmt.Errorf("executor.ApplySchema: read schema: %w", err)
	}

	conn, err := pgx.Connect(ctx, e.cfg.StoreDSN(storeName))
	if err != nil {
		return fmt.Errorf("executor.ApplySchema: connect %q: %w", storeName, err)
	}
	defer func() { _ = conn.Close(ctx) }()

	_, err = conn.Exec(ctx, string(schema))
	if err != nil {
		return fmt.Errorf("executor.ApplySchema: apply %q: %w", storeName, err)
	}

	_, err = conn.Exec(ctx,
		`INSERT INTO store_meta (id, schema_version) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET schema_version = EXCLUDED.schema_version`,
		migrations.TenantSchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("executor.ApplySchema: stamp version %q: %w", storeName, err)
	}

	return nil
}

// VerifySchema reads back the schema version from the tenant store. The
// worker activates a tenant only when this matches the expected version.
func (e *Executor) VerifySchema(ctx context.Context, storeName string) (int, error) {
	conn, err := pgx.Connect(ctx, e.cfg.StoreDSN(storeName))
	if err != nil {
		return 0, fmt.Errorf("executor.VerifySchema: connect %q: %w", storeName, err)
	}
	defer func() { _ = conn.Close(ctx) }()

	var version int
	err = conn.QueryRow(ctx, `SELECT schema_version FROM store_meta WHERE id = 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("executor.VerifySchema: %q has no schema stamp", storeName)
	}
	if err != nil {
		return 0, fmt.Errorf("executor.VerifySchema: %q: %w", storeName, err)
	}

	return version, nil
}

// DestroyStore drops the tenant database. Runs only after the retention
// window and after the switchboard confirms no handles remain checked out.
func (e *Executor) DestroyStore(ctx context.Context, storeName string) error {
	// Kick any lingering sessions so the drop cannot hang on them.
	_, err := e.admin.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		 WHERE datname = $1 AND pid <> pg_backend_pid()`, storeName)
	if err != nil {
		return fmt.Errorf("executor.DestroyStore: terminate sessions %q: %w", storeName, err)
	}

	_, err = e.admin.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{storeName}.Sanitize())
	if err != nil {
		return fmt.Errorf("executor.DestroyStore: drop %q: %w", storeName, err)
	}

	return nil
}
