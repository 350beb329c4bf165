// Package migrations embeds the SQL schema files so the server can apply
// them without a sidecar directory, and so tests can build a fresh schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
