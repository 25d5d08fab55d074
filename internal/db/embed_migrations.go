package db

import "embed"

// MigrationFS embeds the SQL migrations for tokens, challenges and audit_records.
// Used by the migrate runner (cmd/migrate) to apply migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
