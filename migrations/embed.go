// Package migrations embeds the schema migrations for each supported database.
package migrations

import "embed"

// FS holds the migrations under postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
