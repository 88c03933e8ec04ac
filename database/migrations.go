package database

// Migration 2: record when a release became ready, and index entries by
// content so reference lookups do not scan.
const migration002ReadyAt = `
ALTER TABLE releases ADD COLUMN ready_at DATETIME;

CREATE INDEX IF NOT EXISTS idx_entries_content_id ON entries(content_id);
`

// migrations contains all database migrations in order
var migrations = []migration{
	{
		version:     1,
		description: "Initial schema with releases, contents, and entries tables",
		sql:         initialSchema,
	},
	{
		version:     2,
		description: "Add releases.ready_at and entries content index",
		sql:         migration002ReadyAt,
	},
}
