// Package migrations holds the ordered SQL migrations applied by repository.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
