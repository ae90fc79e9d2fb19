package vector

import "database/sql"

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS items (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			namespace  TEXT NOT NULL,
			content    TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			embedding  BLOB,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS items_namespace ON items(namespace, seq);

		CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
			content, content=items, content_rowid=seq
		);

		-- Items are append-only, so only inserts need mirroring.
		CREATE TRIGGER IF NOT EXISTS items_ai AFTER INSERT ON items BEGIN
			INSERT INTO items_fts(rowid, content) VALUES (new.seq, new.content);
		END;
	`
	_, err := db.Exec(schema)
	return err
}
