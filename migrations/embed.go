// Package migrations embeds the metadata database schema.
package migrations

import "embed"

// FS holds the *.sql migration files, passed to database.Migrate.
//
//go:embed *.sql
var FS embed.FS
