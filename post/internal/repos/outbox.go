package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-media-microservices/post/internal/models"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxColumns = `event_id, event_type, aggregate_id, topic, payload, status, attempts, next_retry_at,
	locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

func scanOutbox(row interface{ Scan(...any) error }) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	err := row.Scan(&e.EventID, &e.EventType, &e.AggregateID, &e.Topic, &e.Payload, &e.Status, &e.Attempts, &e.NextRetryAt,
		&e.LockedAt, &e.LockedBy, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
	return e, err
}

func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	return scanOutbox(db.QueryRow(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+outboxColumns,
		event.EventID, event.EventType, event.AggregateID, event.Topic, event.Payload, event.Status, event.Attempts, event.NextRetryAt,
		event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.PublishedAt))
}

// ClaimPending moves up to limit due rows to sending and returns them. Rows
// locked by a concurrent relay are skipped.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.event_type, o.aggregate_id, o.topic, o.payload, o.status, o.attempts, o.next_retry_at,
			o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ReleaseStale returns rows stuck in sending, e.g. after a relay crash, to
// pending.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < $3
	`, OutboxStatusPending, OutboxStatusSending, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Release hands a claimed row back to pending without counting an attempt.
func (r *OutboxRepo) Release(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1 AND status = $3
	`, eventID, OutboxStatusPending, OutboxStatusSending)
	return err
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	return scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID))
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), updated_at = now(), locked_at = NULL, locked_by = NULL
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, updated_at = now(), locked_at = NULL, locked_by = NULL
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

func (r *OutboxRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE status IN ($1, $2)`, OutboxStatusPending, OutboxStatusSending).Scan(&n)
	return n, err
}
