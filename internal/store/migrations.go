package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of SQLite schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uri        TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id),
	folder_id         INTEGER REFERENCES folders(id),
	message_key       INTEGER,
	header_message_id TEXT NOT NULL,
	subject           TEXT,
	snippet           TEXT,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK ((folder_id IS NULL AND message_key IS NULL) OR folder_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_messages_header_message_id ON messages(header_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_key ON messages(folder_id, message_key);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS message_attributes (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_attributes_message_id
	ON message_attributes(message_id);

CREATE INDEX IF NOT EXISTS idx_message_attributes_name_value
	ON message_attributes(name, value);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
