package waiter

import (
	"context"
	"sync"
	"time"
)

// entry is the promise half of a single pending wait.
type entry struct {
	result chan interface{}
	err    chan error
	once   sync.Once
}

func newEntry() *entry {
	return &entry{
		result: make(chan interface{}, 1),
		err:    make(chan error, 1),
	}
}

func (e *entry) resolve(v interface{}) {
	e.once.Do(func() {
		e.result <- v
	})
}

func (e *entry) fail(err error) {
	e.once.Do(func() {
		e.err <- err
	})
}

// Registry is the thread-safe Key -> promise table. Exactly one waiter may be registered per Key at a
// time; complete() silently drops values for keys nobody is waiting
// on, because handlers may observe a response before the caller has
// finished registering its wait — the caller is required to register
// before sending, which is the only ordering the registry itself can't
// enforce.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Wait registers a new waiter for key and blocks until complete(key, v),
// cancel(key), throw(key, err), cancelAll(), the context is canceled, or
// timeout elapses — whichever happens first. A second concurrent Wait
// on the same Key fails immediately with ErrKeyCollision; the original
// wait is left untouched.
func (r *Registry) Wait(ctx context.Context, key Key, timeout time.Duration) (interface{}, error) {
	r.mu.Lock()
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return nil, ErrKeyCollision
	}
	e := newEntry()
	r.entries[key] = e
	r.mu.Unlock()

	defer r.remove(key, e)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-e.result:
		return v, nil
	case err := <-e.err:
		return nil, err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCanceled
	}
}

// remove deletes key from the table only if it still points at e,
// so a slow remove can't clobber a newer registration for the same
// key that was added after this wait already resolved.
func (r *Registry) remove(key Key, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[key]; ok && current == e {
		delete(r.entries, key)
	}
}

// Complete resolves exactly one waiter registered under key. If no
// waiter is registered, the value is silently dropped — this is
// required, not accidental: see the Registry doc comment.
func (r *Registry) Complete(key Key, value interface{}) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.resolve(value)
}

// Cancel fails the waiter registered under key with ErrCanceled. A
// no-op if nobody is waiting.
func (r *Registry) Cancel(key Key) {
	r.Throw(key, ErrCanceled)
}

// Throw fails the waiter registered under key with a specific error.
func (r *Registry) Throw(key Key, err error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.fail(err)
}

// CancelAll fails every outstanding waiter with ErrCanceled. Used on
// disconnect/shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.fail(ErrCanceled)
	}
}

// Len reports the number of currently outstanding waiters, consumed by
// the metrics package as a gauge.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
