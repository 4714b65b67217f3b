package sessionstore

import (
	"fmt"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			storage_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, sqlTableName),
	selectValue: fmt.Sprintf("SELECT value FROM %s WHERE storage_key = $1", sqlTableName),
	upsertValue: fmt.Sprintf(`
		INSERT INTO %s (storage_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (storage_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, sqlTableName),
}

// NewPostgres returns a store backed by a Postgres table. The connection and
// table are created lazily on first use.
func NewPostgres(dsn string) (Store, error) {
	return newSQLStore(dsn, postgresDialect)
}
