// Package migrations embeds the schema migration files and applies them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
