// Package migrations embeds the ledger schema and demo seed data.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL holds the *.up.sql and *.down.sql schema migrations.
func SQL() fs.FS { return sub("sql") }

// Seeds holds optional demo data.
func Seeds() fs.FS { return sub("seeds") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
