// Package migrations embeds the registry schema and the per-tenant store
// schema applied by the provisioning executor.
package migrations

import "embed"

// TenantSchemaVersion is the schema version stamped into tenant_store.sql.
// A tenant activates only when its store verifies at this version.
const TenantSchemaVersion = 1

//go:embed *.sql
var FS embed.FS
