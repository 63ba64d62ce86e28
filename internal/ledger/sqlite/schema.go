// Package sqlite is a single-node ledger stored in SQLite. Each mutation
// commits the file row together with a confirmation event row, and the
// confirmation is then read back by event id.
package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS files (
	key       TEXT PRIMARY KEY,
	path      TEXT NOT NULL,
	cid       TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metadata  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	cid        TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_key ON events(key);
`
