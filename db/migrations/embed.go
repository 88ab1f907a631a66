// Package dbmigrations exposes the embedded outbox schema migrations.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into the outbox binaries.
//
//go:embed *.sql
var Files embed.FS
