// Package migrations embeds the SQL schema migrations applied by
// internal/db's Connect and internal/testutil's ApplyMigrations, following the embed.FS + flat-directory
// convention the teacher repo already uses for its own migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
