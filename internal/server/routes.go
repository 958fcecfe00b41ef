package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/perch-labs/switchyard/internal/api/v1"
	"github.com/perch-labs/switchyard/internal/api/ws"
	"github.com/perch-labs/switchyard/internal/domain"
	redisstore "github.com/perch-labs/switchyard/internal/store/redis"
)

func registerAdminRoutes(api huma.API, registry domain.TenantRegistry, bus *redisstore.Bus) {
	v1.RegisterTenantRoutes(api, registry, bus)
}

func registerDataRoutes(r chi.Router) {
	r.Get("/ping", handlePing)
	r.Get("/info", handleInfo)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/events", hub.ServeEvents)
}
