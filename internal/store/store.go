/*
Package store opens the shared SQLite database backing every persisted
entity in the kernel: apps, aliases, files, secrets, the net allowlist,
activity log, API keys, deployments, and the per-app kv/docs/blobs
storage capabilities exposed to JS handlers.

All writers go through a single *sql.DB with one open connection (WAL
mode), matching the single-writer design of internal/writequeue. Readers
use the same *sql.DB and therefore the same single connection; there is no
separate read pool, so reads and writes take turns on that connection.
*/
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared *sql.DB handle.
type DB struct {
	*sql.DB
}

// Open opens or creates the SQLite database at path, enables WAL mode, and
// ensures the schema exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY from concurrent writers;
	// internal/writequeue additionally serializes writes at the application
	// level so this is belt-and-suspenders, not the only guard.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}

	db := &DB{DB: conn}
	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) ensureSchema() error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL DEFAULT '',
	source_ref     TEXT NOT NULL DEFAULT '',
	source_commit  TEXT NOT NULL DEFAULT '',
	spa            INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS aliases (
	subdomain            TEXT PRIMARY KEY,
	type                 TEXT NOT NULL,
	targets              TEXT NOT NULL DEFAULT '[]',
	split_window_seconds INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	site_id      TEXT NOT NULL,
	path         TEXT NOT NULL,
	content      BLOB NOT NULL,
	size_bytes   INTEGER NOT NULL,
	mime_type    TEXT NOT NULL DEFAULT '',
	hash         TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (site_id, path)
);

CREATE TABLE IF NOT EXISTS secrets (
	app_id       TEXT NOT NULL,
	name         TEXT NOT NULL,
	value_hash   TEXT NOT NULL,
	value_cipher BLOB NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (app_id, name)
);

CREATE TABLE IF NOT EXISTS net_allowlist (
	domain       TEXT PRIMARY KEY,
	max_response INTEGER NOT NULL DEFAULT 0,
	timeout_ms   INTEGER NOT NULL DEFAULT 0,
	rate_limit   REAL NOT NULL DEFAULT 0,
	rate_burst   INTEGER NOT NULL DEFAULT 0,
	cache_ttl    INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id    TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash   TEXT PRIMARY KEY,
	app_id     TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deployments (
	id          TEXT PRIMARY KEY,
	site_id     TEXT NOT NULL,
	source      TEXT NOT NULL,
	file_count  INTEGER NOT NULL DEFAULT 0,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_kv (
	app_id     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (app_id, key)
);

CREATE TABLE IF NOT EXISTS app_docs (
	app_id       TEXT NOT NULL,
	collection   TEXT NOT NULL,
	doc_id       TEXT NOT NULL,
	data         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (app_id, collection, doc_id)
);

CREATE TABLE IF NOT EXISTS app_blobs (
	app_id     TEXT NOT NULL,
	key        TEXT NOT NULL,
	content    BLOB NOT NULL,
	size_bytes INTEGER NOT NULL,
	mime_type  TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (app_id, key)
);

CREATE INDEX IF NOT EXISTS idx_files_site ON files(site_id);
CREATE INDEX IF NOT EXISTS idx_activity_log_site ON activity_log(site_id);
CREATE INDEX IF NOT EXISTS idx_deployments_site ON deployments(site_id);
CREATE INDEX IF NOT EXISTS idx_app_docs_collection ON app_docs(app_id, collection);
`
