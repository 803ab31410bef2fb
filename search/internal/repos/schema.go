package repos

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS search_documents (
		post_id    TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		tsv        TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS search_documents_tsv_idx ON search_documents USING GIN (tsv)`,
	`CREATE TABLE IF NOT EXISTS search_tombstones (
		post_id    TEXT PRIMARY KEY,
		deleted_at TIMESTAMPTZ NOT NULL
	)`,
}
