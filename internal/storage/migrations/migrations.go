// Package migrations embeds the forward-only schema migrations applied to
// a fresh or existing Blufio database on open.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
