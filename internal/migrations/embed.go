// Package migrations embeds the goose migration scripts for the local
// record store. Migrations are strictly additive: later steps only add
// tables, columns with defaults, or indexes, so an upgrade never deletes
// or rewrites existing records.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
