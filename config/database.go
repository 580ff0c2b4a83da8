package config

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS captures (
	id        TEXT PRIMARY KEY,
	serial    TEXT NOT NULL,
	target_id TEXT NOT NULL,
	success   BOOLEAN NOT NULL,
	errors    TEXT NOT NULL DEFAULT '',
	ended_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS captures_by_serial ON captures (serial, ended_at);
`

// InitDatabase opens the capture-history database, creating the file and
// schema on first run.
func InitDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	log.Println("Database initialized successfully")
	return db, nil
}
