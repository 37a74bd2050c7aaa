package index

// schema statements are idempotent and applied on every open.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS blob_ref (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		hash       BLOB    NOT NULL,
		size       INTEGER NOT NULL CHECK (size > 0),
		container  INTEGER NOT NULL,
		mime_type  TEXT,
		format_key TEXT,
		UNIQUE (hash, size, container)
	)`,

	`CREATE TABLE IF NOT EXISTS blob (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id   TEXT    NOT NULL,
		blob_ref_id INTEGER NOT NULL REFERENCES blob_ref (id),
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (tenant_id, blob_ref_id)
	)`,

	`CREATE TABLE IF NOT EXISTS container (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		blob_id     INTEGER NOT NULL UNIQUE REFERENCES blob (id) ON DELETE CASCADE,
		entry_count INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS entry (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		container_id  INTEGER NOT NULL REFERENCES container (id) ON DELETE CASCADE,
		internal_path TEXT    NOT NULL,
		entry_type    TEXT    NOT NULL CHECK (entry_type IN ('file', 'directory', 'symlink')),
		blob_ref_id   INTEGER REFERENCES blob_ref (id),
		mtime         TIMESTAMP,
		metadata      TEXT,
		UNIQUE (container_id, internal_path)
	)`,

	`CREATE TABLE IF NOT EXISTS node (
		id         TEXT PRIMARY KEY,
		hostname   TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS task (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		parent_id    TEXT REFERENCES task (id),
		type         TEXT NOT NULL,
		status       TEXT NOT NULL,
		priority     INTEGER NOT NULL DEFAULT 0,
		input        TEXT,
		output       TEXT,
		retryable    INTEGER NOT NULL DEFAULT 0,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		executor     TEXT REFERENCES node (id),
		created_at   TIMESTAMP NOT NULL,
		claimed_at   TIMESTAMP,
		completed_at TIMESTAMP,
		expires_at   TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_task_claim ON task (status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_task_parent ON task (parent_id)`,

	`CREATE TABLE IF NOT EXISTS task_dependency (
		parent_id TEXT NOT NULL REFERENCES task (id),
		child_id  TEXT NOT NULL REFERENCES task (id),
		PRIMARY KEY (parent_id, child_id)
	)`,

	`CREATE TABLE IF NOT EXISTS task_resource (
		task_id  TEXT NOT NULL REFERENCES task (id),
		resource TEXT NOT NULL,
		PRIMARY KEY (task_id, resource)
	)`,
}
