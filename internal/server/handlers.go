package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/perch-labs/switchyard/internal/server/middleware"
)

// handlePing round-trips the request's bound lease against the tenant's
// physical store.
func handlePing(w http.ResponseWriter, r *http.Request) {
	binding, ok := middleware.BindingFromContext(r.Context())
	if !ok {
		http.Error(w, `{"title":"Internal Server Error","status":500,"detail":"missing tenant binding"}`, http.StatusInternalServerError)
		return
	}

	if err := binding.Lease.Session().Ping(r.Context()); err != nil {
		log.Error().Err(err).Str("tenant", binding.Tenant.Slug).Msg("store ping failed")
		http.Error(w, `{"title":"Bad Gateway","status":502,"detail":"tenant store unavailable"}`, http.StatusBadGateway)
		return
	}

	writeJSON(w, map[string]any{
		"status": "ok",
		"tenant": binding.Tenant.Slug,
	})
}

// handleInfo reports the bound tenant's identity and the schema version read
// through its own store handle.
func handleInfo(w http.ResponseWriter, r *http.Request) {
	binding, ok := middleware.BindingFromContext(r.Context())
	if !ok {
		http.Error(w, `{"title":"Internal Server Error","status":500,"detail":"missing tenant binding"}`, http.StatusInternalServerError)
		return
	}

	var schemaVersion int
	row := binding.Lease.Session().QueryRow(r.Context(), `SELECT schema_version FROM store_meta WHERE id = 1`)
	if err := row.Scan(&schemaVersion); err != nil {
		log.Error().Err(err).Str("tenant", binding.Tenant.Slug).Msg("store meta read failed")
		http.Error(w, `{"title":"Bad Gateway","status":502,"detail":"tenant store unavailable"}`, http.StatusBadGateway)
		return
	}

	writeJSON(w, map[string]any{
		"tenant":         binding.Tenant.Slug,
		"name":           binding.Tenant.Name,
		"store":          binding.Tenant.StoreName,
		"status":         binding.Tenant.Status,
		"schema_version": schemaVersion,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}
