package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- releases table: one row per label pair seen on the origin
CREATE TABLE IF NOT EXISTS releases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_label TEXT NOT NULL,
    content_label TEXT NOT NULL,
    ready BOOLEAN NOT NULL DEFAULT 0,
    manifest TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    UNIQUE (client_label, content_label),
    CHECK (ready IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_releases_ready ON releases(ready, id);

-- contents table: deduplicated blobs keyed by normalized hash
CREATE TABLE IF NOT EXISTS contents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hash TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (length(hash) = 64),
    CHECK (size_bytes >= 0)
);

-- entries table: named files of a release, each backed by one content
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    release_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    content_id INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (release_id) REFERENCES releases(id) ON DELETE RESTRICT,
    FOREIGN KEY (content_id) REFERENCES contents(id) ON DELETE RESTRICT,
    UNIQUE (release_id, path)
);
`
