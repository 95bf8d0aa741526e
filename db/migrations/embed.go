// Package dbmigrations exposes embedded SQL migrations for escrow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into escrow binaries.
//
//go:embed *.sql
var Files embed.FS
