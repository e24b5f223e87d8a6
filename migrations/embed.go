// Package migrations embeds the SQL schema applied at startup.
package migrations

import "embed"

// Files holds every .sql file; they are applied in lexical order (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
