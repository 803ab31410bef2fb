package repos

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		post_id    UUID PRIMARY KEY,
		user_id    TEXT NOT NULL,
		content    TEXT NOT NULL,
		media_ids  TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS posts_created_at_idx ON posts (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		event_id      UUID PRIMARY KEY,
		event_type    TEXT NOT NULL,
		aggregate_id  TEXT NOT NULL,
		topic         TEXT NOT NULL,
		payload       JSONB NOT NULL,
		status        TEXT NOT NULL,
		attempts      INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		locked_at     TIMESTAMPTZ,
		locked_by     TEXT,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		published_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (status, next_retry_at, created_at)`,
}
