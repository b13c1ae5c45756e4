// Package migrations embeds the SQLite schema of the key-value backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
