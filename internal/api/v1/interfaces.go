package v1

import (
	"context"

	"github.com/perch-labs/switchyard/internal/domain"
)

// LifecyclePublisher abstracts the event bus for handler testing.
// *redis.Bus satisfies this interface.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, ev domain.LifecycleEvent) error
}
