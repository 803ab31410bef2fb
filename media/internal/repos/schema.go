package repos

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS media (
		media_id      UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		public_id     TEXT NOT NULL UNIQUE,
		url           TEXT NOT NULL,
		mime_type     TEXT NOT NULL,
		original_name TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS media_user_created_idx ON media (user_id, created_at DESC)`,
}
