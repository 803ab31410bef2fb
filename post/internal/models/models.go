package models

import (
	"time"

	"github.com/google/uuid"
)

type Post struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	MediaIDs  []string  `json:"media_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PostPage struct {
	Posts       []Post `json:"posts"`
	CurrentPage int    `json:"current_page"`
	TotalPages  int    `json:"total_pages"`
	TotalPosts  int    `json:"total_posts"`
}

type OutboxEvent struct {
	EventID     uuid.UUID  `json:"event_id"`
	EventType   string     `json:"event_type"`
	AggregateID string     `json:"aggregate_id"`
	Topic       string     `json:"topic"`
	Payload     []byte     `json:"payload"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
