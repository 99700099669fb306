// Package storetest provides store wrappers for exercising failure paths.
package storetest

import (
	"context"
	"errors"
	"sync"

	"questline/internal/store"
)

// ErrInjected is the cause carried by injected failures.
var ErrInjected = errors.New("injected store failure")

// Flaky wraps a store and fails writes to chosen collections. Failures are
// reported as *store.UnavailableError, like a real backend outage.
type Flaky struct {
	store.Store

	mu sync.Mutex
	// remaining maps a collection to how many more writes should fail.
	// A negative count fails every write.
	remaining map[string]int
	// applyBeforeFail makes a failing Update commit first, modelling a
	// timeout whose write actually landed.
	applyBeforeFail map[string]bool
	timeout         bool
	// before holds one-shot hooks run ahead of the next write to a collection.
	before map[string]func()
}

func NewFlaky(inner store.Store) *Flaky {
	return &Flaky{Store: inner, remaining: map[string]int{}, applyBeforeFail: map[string]bool{}, before: map[string]func(){}}
}

// BeforeNextWrite runs fn once, just before the next write to collection
// reaches the wrapped store.
func (f *Flaky) BeforeNextWrite(collection string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before[collection] = fn
}

// FailWrites makes the next n writes to collection fail; n < 0 fails all.
func (f *Flaky) FailWrites(collection string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining[collection] = n
}

// FailAfterApply makes failing Update calls on collection commit before
// they report an error.
func (f *Flaky) FailAfterApply(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyBeforeFail[collection] = true
}

// AsTimeout reports injected failures as deadline exceeded.
func (f *Flaky) AsTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = true
}

// Heal stops all injected failures.
func (f *Flaky) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = map[string]int{}
}

func (f *Flaky) trip(collection string) (bool, bool, error) {
	f.mu.Lock()
	hook := f.before[collection]
	delete(f.before, collection)
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.remaining[collection]
	if !ok || n == 0 {
		return false, false, nil
	}
	if n > 0 {
		f.remaining[collection] = n - 1
	}
	cause := ErrInjected
	if f.timeout {
		cause = context.DeadlineExceeded
	}
	return true, f.applyBeforeFail[collection], &store.UnavailableError{Op: "injected", Err: cause}
}

func (f *Flaky) Put(ctx context.Context, collection, key string, body []byte) error {
	if fail, _, err := f.trip(collection); fail {
		return err
	}
	return f.Store.Put(ctx, collection, key, body)
}

func (f *Flaky) Create(ctx context.Context, collection, key string, body []byte) error {
	if fail, _, err := f.trip(collection); fail {
		return err
	}
	return f.Store.Create(ctx, collection, key, body)
}

func (f *Flaky) Update(ctx context.Context, collection, key string, fn store.Mutator) (store.Document, error) {
	fail, apply, err := f.trip(collection)
	if !fail {
		return f.Store.Update(ctx, collection, key, fn)
	}
	if apply {
		if _, uerr := f.Store.Update(ctx, collection, key, fn); uerr != nil {
			return store.Document{}, uerr
		}
	}
	return store.Document{}, err
}

func (f *Flaky) Delete(ctx context.Context, collection, key string, fn store.Predicate) error {
	if fail, _, err := f.trip(collection); fail {
		return err
	}
	return f.Store.Delete(ctx, collection, key, fn)
}
