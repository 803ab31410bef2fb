package models

import "time"

// Document is the searchable projection of a post. UpdatedAt orders versions
// of the same post; an older version never replaces a newer one.
type Document struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Hit struct {
	Document
	Rank float32 `json:"rank"`
}

type Results struct {
	Query   string `json:"query"`
	Results []Hit  `json:"results"`
}
