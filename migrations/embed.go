// Package migrations embeds all SQL migration files so the binary is self-contained.
// This is required because the server is deployed as a single binary with an
// unpredictable working directory, where ./migrations/ does not exist.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
