// Package notify delivers fire-and-forget events about state transitions.
// Publish never blocks the caller on delivery and never reports delivery
// failures back to it.
package notify

import (
	"context"
	"log"

	"questline/internal/domain"
)

type Notifier interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) {}

// Log writes one line per event.
type Log struct {
	Logger *log.Logger
}

func (l Log) Publish(_ context.Context, evt domain.Event) {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("event type=%s entity=%s/%s actor=%s", evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, evt domain.Event) {
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, evt)
		}
	}
}
