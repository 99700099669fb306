// Package store is the only code that talks to the backing document store.
//
// Documents are JSON bodies addressed by (collection, key). Every mutation
// other than Put is conditional: the caller supplies a function that is
// evaluated against the current stored body, and the backend guarantees that
// the decision and the write happen as one atomic step. Backends emulate the
// server-side predicate with a version compare-and-swap.
package store

import (
	"context"
	"time"
)

// Document is one stored record.
type Document struct {
	Collection string
	Key        string
	Version    int64
	Body       []byte
	UpdatedAt  string
}

// Mutator receives the current body and returns the replacement. Returning
// ErrConditionFailed rejects the write; any other error aborts it unchanged.
type Mutator func(current []byte) ([]byte, error)

// Predicate decides whether a conditional delete may proceed.
type Predicate func(current []byte) error

// Store is a key-addressed document store with conditional writes.
type Store interface {
	Get(ctx context.Context, collection, key string) (Document, error)
	Put(ctx context.Context, collection, key string, body []byte) error
	// Create stores body only if key is absent; ErrConditionFailed otherwise.
	Create(ctx context.Context, collection, key string, body []byte) error
	Update(ctx context.Context, collection, key string, fn Mutator) (Document, error)
	Delete(ctx context.Context, collection, key string, fn Predicate) error
	// Find returns documents whose top-level string field equals value,
	// ordered by key.
	Find(ctx context.Context, collection, field, value string, limit int) ([]Document, error)
	Close() error
}

// Options tune a backend.
type Options struct {
	// OpTimeout bounds every round trip. Zero disables the timeout.
	OpTimeout time.Duration
	// MaxCASAttempts bounds re-evaluation when a concurrent writer wins.
	MaxCASAttempts int
	Now            func() time.Time
}

const defaultCASAttempts = 16

func (o Options) casAttempts() int {
	if o.MaxCASAttempts <= 0 {
		return defaultCASAttempts
	}
	return o.MaxCASAttempts
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.OpTimeout)
}
