package events

import "time"

// Kind names a fact about a post. The set is closed; each kind is also the
// Kafka topic its events are written to.
type Kind string

const (
	KindPostCreated Kind = "post.created"
	KindPostUpdated Kind = "post.updated"
	KindPostDeleted Kind = "post.deleted"
)

var Kinds = []Kind{KindPostCreated, KindPostUpdated, KindPostDeleted}

func (k Kind) Topic() string { return string(k) }

// Topics lists the topic of every kind, for provisioning.
func Topics() []string {
	out := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, k.Topic())
	}
	return out
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is implemented by every event body. Methods have value receivers
// so the zero value of a payload type can report its kind.
type Payload interface {
	Kind() Kind
	EntityID() string
}

// PostCreated carries everything the search index needs to build a document
// without calling back into the post service.
type PostCreated struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	MediaIDs  []string  `json:"media_ids"`
	CreatedAt time.Time `json:"created_at"`
}

func (PostCreated) Kind() Kind         { return KindPostCreated }
func (p PostCreated) EntityID() string { return p.PostID }

type PostUpdated struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	MediaIDs  []string  `json:"media_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PostUpdated) Kind() Kind         { return KindPostUpdated }
func (p PostUpdated) EntityID() string { return p.PostID }

// PostDeleted lists every media id the post owned, in attachment order.
type PostDeleted struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	MediaIDs  []string  `json:"media_ids"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (PostDeleted) Kind() Kind         { return KindPostDeleted }
func (p PostDeleted) EntityID() string { return p.PostID }
