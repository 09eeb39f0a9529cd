// Package migrations ships the schema migration files.
//
// The *.sql files are embedded so a bare binary can migrate its store, and
// are also installed beside the binary so operators can inspect or extend
// them; store.Migrate accepts any fs.FS, so a migrations/ directory next to
// the executable overrides the embedded copies.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files.
func FS() fs.FS { return files }
