package sessionstore

import (
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			storage_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, sqlTableName),
	selectValue: fmt.Sprintf("SELECT value FROM %s WHERE storage_key = ?", sqlTableName),
	upsertValue: fmt.Sprintf(`
		INSERT INTO %s (storage_key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (storage_key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, sqlTableName),
}

// NewSQLite returns a store backed by a SQLite database file.
func NewSQLite(path string) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	return newSQLStore(path, sqliteDialect)
}
