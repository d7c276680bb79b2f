package migrations

import "embed"

// FS contains embedded SQLite migrations for simulation storage.
//
//go:embed *.sql
var FS embed.FS
