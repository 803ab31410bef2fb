package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	ErrKindMismatch      = errors.New("event kind mismatch")
)

type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType Kind            `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
	Producer  string          `json:"producer"`
}

func NewEnvelope(producer string, p Payload, now time.Time) (Envelope, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return Envelope{
		EventID:   uuid.New(),
		EventType: p.Kind(),
		Payload:   body,
		EmittedAt: now.UTC(),
		Producer:  producer,
	}, nil
}

func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.EventID == uuid.Nil || !env.EventType.Valid() || len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing event_id, event_type or payload", ErrMalformedEnvelope)
	}
	return env, nil
}

// Decode unmarshals the payload as P after checking the envelope is of P's kind.
func Decode[P Payload](env Envelope) (P, error) {
	var p P
	if env.EventType != p.Kind() {
		return p, fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, env.EventType, p.Kind())
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.EventType, err)
	}
	return p, nil
}
