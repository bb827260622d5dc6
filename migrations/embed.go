// Package migrations holds the goose migrations for the session history
// store, embedded so the migrate binary runs from any directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
