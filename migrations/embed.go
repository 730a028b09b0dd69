// Package migrations embeds the goose SQL migrations so the migrate
// binary can apply them without a source checkout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
