// Package keylock serializes work per resource key.
//
// A Registry hands out one exclusive lock per key. Entries are created on the
// first Acquire and dropped on the Release that leaves no other party holding
// or waiting on the key, so the table only ever contains keys in use.
// The table guard is held only while the table itself changes, never across
// the caller's critical section, so unrelated keys do not wait on each other.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when a bounded wait for a key expires.
var ErrLockTimeout = errors.New("timed out waiting for resource key")

// Registry is the lock table. The zero value is ready to use.
type Registry struct {
	mutex   sync.Mutex
	entries map[string]*entry
}

type entry struct {
	// lock holds one token while the key is locked. Blocked senders queue in
	// arrival order, which keeps waiters roughly fair.
	lock chan struct{}
	// refs counts the holder plus every party that called Acquire and has not
	// yet released or abandoned the key.
	refs int
}

type handleState int

const (
	handleClaimed handleState = iota
	handleHeld
	handleDone
)

// Handle is a caller's claim on a key, returned by Acquire. A Handle belongs
// to one goroutine and only ever affects its own claim.
type Handle struct {
	registry *Registry
	key      string
	entry    *entry
	// state is guarded by registry.mutex.
	state handleState
}

// New returns an empty lock table.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire registers interest in key, creating the entry if needed. The caller
// must follow with Lock or LockContext and finish with Release.
func (r *Registry) Acquire(key string) *Handle {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	current, ok := r.entries[key]
	if !ok {
		current = &entry{lock: make(chan struct{}, 1)}
		r.entries[key] = current
	}
	current.refs++
	return &Handle{registry: r, key: key, entry: current}
}

// Len reports how many keys currently have an entry.
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.entries)
}

// Contains reports whether key has an entry, held or waited on.
func (r *Registry) Contains(key string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Do runs fn while holding key. The key is released on every exit path.
func (r *Registry) Do(ctx context.Context, key string, fn func() error) error {
	handle := r.Acquire(key)
	defer handle.Release()
	if err := handle.LockContext(ctx); err != nil {
		return err
	}
	return fn()
}

func (r *Registry) dropRefLocked(key string, current *entry) {
	current.refs--
	if current.refs <= 0 && r.entries[key] == current {
		delete(r.entries, key)
	}
}

// Key returns the resource key the handle claims.
func (h *Handle) Key() string {
	return h.key
}

// Lock blocks until the key is held. Locking a handle twice or after Release
// panics.
func (h *Handle) Lock() {
	h.checkClaimed()
	h.entry.lock <- struct{}{}
	h.setState(handleHeld)
}

// LockContext blocks until the key is held or ctx is done. On expiry the
// claim taken by Acquire is withdrawn and a later Release is a no-op.
func (h *Handle) LockContext(ctx context.Context) error {
	if ctx == nil {
		h.Lock()
		return nil
	}
	h.checkClaimed()
	select {
	case h.entry.lock <- struct{}{}:
		h.setState(handleHeld)
		return nil
	default:
	}
	select {
	case h.entry.lock <- struct{}{}:
		h.setState(handleHeld)
		return nil
	case <-ctx.Done():
		h.withdraw()
		return fmt.Errorf("%w %q: %w", ErrLockTimeout, h.key, ctx.Err())
	}
}

// Release unlocks the key if this handle holds it and gives up the claim,
// dropping the entry when nobody else is queued on it. Releasing a handle
// that never locked withdraws its claim; releasing twice is a no-op.
func (h *Handle) Release() {
	r := h.registry
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch h.state {
	case handleDone:
		return
	case handleHeld:
		<-h.entry.lock
	}
	h.state = handleDone
	r.dropRefLocked(h.key, h.entry)
}

func (h *Handle) withdraw() {
	r := h.registry
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if h.state == handleDone {
		return
	}
	h.state = handleDone
	r.dropRefLocked(h.key, h.entry)
}

func (h *Handle) checkClaimed() {
	h.registry.mutex.Lock()
	state := h.state
	h.registry.mutex.Unlock()
	switch state {
	case handleHeld:
		panic(fmt.Sprintf("keylock: %q is already held by this handle", h.key))
	case handleDone:
		panic(fmt.Sprintf("keylock: lock of released handle for %q", h.key))
	}
}

func (h *Handle) setState(state handleState) {
	h.registry.mutex.Lock()
	h.state = state
	h.registry.mutex.Unlock()
}
