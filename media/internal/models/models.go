package models

import (
	"time"

	"github.com/google/uuid"
)

// Media is one uploaded object. PublicID addresses the bytes in the object
// store; URL is where clients fetch them.
type Media struct {
	ID           uuid.UUID `json:"media_id"`
	UserID       string    `json:"user_id"`
	PublicID     string    `json:"public_id"`
	URL          string    `json:"url"`
	MimeType     string    `json:"mime_type"`
	OriginalName string    `json:"original_name"`
	CreatedAt    time.Time `json:"created_at"`
}
