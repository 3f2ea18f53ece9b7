// Package migrations embeds the SQL schema migrations into the binary so
// the gateway can migrate its database without the files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
