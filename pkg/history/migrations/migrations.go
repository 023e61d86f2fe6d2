// Package migrations embeds the PostgreSQL schema of the history database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
