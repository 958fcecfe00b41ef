package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perch-labs/switchyard/internal/domain"
	"github.com/perch-labs/switchyard/internal/server/middleware"
)

type CreateTenantInput struct {
	Body struct {
		Name       string `json:"name" minLength:"1" maxLength:"255" doc:"Tenant name"`
		Slug       string `json:"slug" minLength:"1" maxLength:"63" pattern:"^[a-z0-9]+(?:-[a-z0-9]+)*$" doc:"Routing key (lowercase alphanumeric with hyphens)"`
		CustomHost string `json:"custom_host,omitempty" maxLength:"255" doc:"Optional full-host alias routed to this tenant"`
	}
}

type CreateTenantOutput struct {
	Status int
	Body   *domain.Tenant
}

type GetTenantInput struct {
	ID uuid.UUID `path:"id" doc:"Tenant ID"`
}

type TenantOutput struct {
	Body *domain.Tenant
}

type ListTenantsInput struct {
	Status string `query:"status" enum:"pending,provisioning,active,suspended,retired," doc:"Filter by lifecycle status"`
}

type ListTenantsOutput struct {
	Body []*domain.Tenant
}

type LifecycleInput struct {
	ID uuid.UUID `path:"id" doc:"Tenant ID"`
}

// RegisterTenantRoutes wires the admin tenant API: creation and the
// suspend / reactivate / retire lifecycle operations. Provisioning itself is
// asynchronous; a created tenant starts pending and activates once the
// provisioning worker verifies its store.
func RegisterTenantRoutes(api huma.API, registry domain.TenantRegistry, bus LifecyclePublisher) {
	huma.Register(api, huma.Operation{
		OperationID: "create-tenant",
		Method:      http.MethodPost,
		Path:        "/tenants",
		Summary:     "Register a new tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *CreateTenantInput) (*CreateTenantOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		now := time.Now()
		t := &domain.Tenant{
			ID:         uuid.New(),
			Name:       input.Body.Name,
			Slug:       input.Body.Slug,
			CustomHost: input.Body.CustomHost,
			StoreName:  domain.StoreNameForSlug(input.Body.Slug),
			Status:     domain.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		err := registry.Create(ctx, t)
		if errors.Is(err, domain.ErrConflict) {
			return nil, huma.Error409Conflict("slug or custom host already registered")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to create tenant", err)
		}

		return &CreateTenantOutput{Status: http.StatusCreated, Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{id}",
		Summary:     "Get a tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *GetTenantInput) (*TenantOutput, error) {
		t, err := registry.GetByID(ctx, input.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, huma.Error404NotFound("tenant not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load tenant", err)
		}

		return &TenantOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *ListTenantsInput) (*ListTenantsOutput, error) {
		var (
			tenants []*domain.Tenant
			err     error
		)
		if input.Status == "" {
			tenants, err = registry.List(ctx)
		} else {
			tenants, err = registry.ListByStatus(ctx, domain.TenantStatus(input.Status))
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list tenants", err)
		}

		return &ListTenantsOutput{Body: tenants}, nil
	})

	registerLifecycleOp(api, registry, bus, "suspend-tenant", "suspend",
		"Suspend a tenant (blocks new requests, in-flight leases drain)",
		domain.StatusActive, domain.StatusSuspended)
	registerLifecycleOp(api, registry, bus, "reactivate-tenant", "reactivate",
		"Reactivate a suspended tenant",
		domain.StatusSuspended, domain.StatusActive)

	huma.Register(api, huma.Operation{
		OperationID: "retire-tenant",
		Method:      http.MethodPost,
		Path:        "/tenants/{id}/retire",
		Summary:     "Retire a tenant (store destroyed after the retention window)",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *LifecycleInput) (*TenantOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		t, err := loadTenant(ctx, registry, input.ID)
		if err != nil {
			return nil, err
		}

		// Retirement is legal from active or suspended.
		from := t.Status
		if from != domain.StatusActive && from != domain.StatusSuspended {
			return nil, huma.Error409Conflict("tenant cannot be retired from status " + string(from))
		}

		return applyTransition(ctx, registry, bus, t, from, domain.StatusRetired)
	})
}

// registerLifecycleOp registers one fixed from->to transition endpoint.
func registerLifecycleOp(api huma.API, registry domain.TenantRegistry, bus LifecyclePublisher,
	opID, action, summary string, from, to domain.TenantStatus,
) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/tenants/{id}/" + action,
		Summary:     summary,
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *LifecycleInput) (*TenantOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		t, err := loadTenant(ctx, registry, input.ID)
		if err != nil {
			return nil, err
		}

		return applyTransition(ctx, registry, bus, t, from, to)
	})
}

func loadTenant(ctx context.Context, registry domain.TenantRegistry, id uuid.UUID) (*domain.Tenant, error) {
	t, err := registry.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, huma.Error404NotFound("tenant not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load tenant", err)
	}
	return t, nil
}

// applyTransition performs the compare-and-set status update and publishes
// the lifecycle event that invalidates the resolver cache.
func applyTransition(ctx context.Context, registry domain.TenantRegistry, bus LifecyclePublisher,
	t *domain.Tenant, from, to domain.TenantStatus,
) (*TenantOutput, error) {
	err := registry.UpdateStatus(ctx, t.ID, from, to)
	if errors.Is(err, domain.ErrConflict) {
		return nil, huma.Error409Conflict("tenant is not in status " + string(from))
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, huma.Error404NotFound("tenant not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to update tenant status", err)
	}

	ev := domain.LifecycleEvent{
		TenantID:   t.ID,
		RoutingKey: t.Slug,
		CustomHost: t.CustomHost,
		From:       from,
		To:         to,
		At:         time.Now(),
	}
	if pubErr := bus.PublishLifecycle(ctx, ev); pubErr != nil {
		// The cache TTL still bounds staleness; log and carry on.
		log.Warn().Err(pubErr).Str("tenant", t.Slug).Msg("publish lifecycle event")
	}

	t.Status = to
	t.UpdatedAt = time.Now()
	return &TenantOutput{Body: t}, nil
}

func requireAdmin(ctx context.Context) error {
	role, ok := middleware.RoleFromContext(ctx)
	if !ok || role != middleware.RoleAdmin {
		return huma.Error403Forbidden("admin role required")
	}
	return nil
}
