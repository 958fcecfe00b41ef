package domain

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleEvent is published on every tenant status transition. Consumed by
// the resolver cache (invalidation) and the operator event stream.
type LifecycleEvent struct {
	TenantID   uuid.UUID    `json:"tenant_id"`
	RoutingKey string       `json:"routing_key"`
	CustomHost string       `json:"custom_host,omitempty"`
	From       TenantStatus `json:"from"`
	To         TenantStatus `json:"to"`
	At         time.Time    `json:"at"`
}
