// Package migrations embeds the Postgres schema so binaries can migrate
// without a checkout on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
