package middleware

import (
	"context"

	"github.com/perch-labs/switchyard/internal/router"
)

type contextKey string

const (
	ContextKeyBinding contextKey = "binding"
	ContextKeyRole    contextKey = "role"
	ContextKeySubject contextKey = "subject"
)

// BindingFromContext returns the tenant binding installed by TenantBind.
func BindingFromContext(ctx context.Context) (*router.Binding, bool) {
	v, ok := ctx.Value(ContextKeyBinding).(*router.Binding)
	return v, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyRole).(string)
	return v, ok
}

func SubjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeySubject).(string)
	return v, ok
}
