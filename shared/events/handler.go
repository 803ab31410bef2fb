package events

import (
	"context"
	"fmt"
)

// Handler applies one kind of event. Build handlers with On so the kind comes
// from the payload type instead of a string.
type Handler interface {
	Kind() Kind
	Handle(ctx context.Context, env Envelope) error
}

type typedHandler[P Payload] struct {
	kind Kind
	fn   func(ctx context.Context, env Envelope, payload P) error
}

func On[P Payload](fn func(ctx context.Context, env Envelope, payload P) error) Handler {
	var zero P
	return typedHandler[P]{kind: zero.Kind(), fn: fn}
}

func (h typedHandler[P]) Kind() Kind { return h.kind }

func (h typedHandler[P]) Handle(ctx context.Context, env Envelope) error {
	payload, err := Decode[P](env)
	if err != nil {
		return err
	}
	return h.fn(ctx, env, payload)
}

// Table is the set of handlers one service registers, at most one per kind.
type Table struct {
	handlers []Handler
}

func NewTable(handlers ...Handler) (*Table, error) {
	seen := make(map[Kind]bool, len(handlers))
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("events: nil handler")
		}
		if !h.Kind().Valid() {
			return nil, fmt.Errorf("events: unknown kind %q", h.Kind())
		}
		if seen[h.Kind()] {
			return nil, fmt.Errorf("events: duplicate handler for %s", h.Kind())
		}
		seen[h.Kind()] = true
	}
	return &Table{handlers: handlers}, nil
}

func (t *Table) Handlers() []Handler {
	out := make([]Handler, len(t.handlers))
	copy(out, t.handlers)
	return out
}

func (t *Table) Kinds() []Kind {
	out := make([]Kind, 0, len(t.handlers))
	for _, h := range t.handlers {
		out = append(out, h.Kind())
	}
	return out
}
