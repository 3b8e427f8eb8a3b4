// Package waiter implements a keyed, typed promise registry: a Wait is
// created under a Key, then is completed, failed, or times out exactly
// once. Every layer of the core shares one registry to match incoming
// events to the operations awaiting them.
package waiter

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/slskgo/slskcore/slskerr"
)

// Key is a printable, hashable identity for a pending wait: an ordered
// tuple of tokens such as (Transfer, Direction, Username, Filename,
// Token). Build one with NewKey.
type Key string

// NewKey joins parts into a stable composite key. Equality is by full
// tuple.
func NewKey(parts ...interface{}) Key {
	b := make([]byte, 0, 64)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0x1f) // unit separator: parts never contain it
		}
		b = append(b, []byte(fmt.Sprint(p))...)
	}
	return Key(b)
}

type entry struct {
	typ    reflect.Type
	result chan result
	once   sync.Once
}

type result struct {
	value interface{}
	err   error
}

func (e *entry) resolve(value interface{}, err error) bool {
	resolved := false
	e.once.Do(func() {
		e.result <- result{value: value, err: err}
		resolved = true
	})
	return resolved
}

// Waiter is the shared wait registry.
type Waiter struct {
	mu             sync.Mutex
	entries        map[Key]*entry
	defaultTimeout time.Duration
	clock          clock.Clock
}

// New constructs a Waiter. clk may be nil to use the real wall clock;
// defaultTimeout is used by Wait calls that pass timeout <= 0.
func New(defaultTimeout time.Duration, clk clock.Clock) *Waiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Waiter{
		entries:        make(map[Key]*entry),
		defaultTimeout: defaultTimeout,
		clock:          clk,
	}
}

// Wait registers a pending wait for key and blocks until it is completed,
// failed, times out, or ctx is cancelled. A second Wait for the same key
// while one is outstanding fails the first with KindReplaced.
//
// Wait is a free function (not a method) because Go methods cannot carry
// their own type parameters.
func Wait[T any](w *Waiter, ctx context.Context, key Key, timeout time.Duration) (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)

	e := &entry{typ: typ, result: make(chan result, 1)}

	w.mu.Lock()
	if prior, ok := w.entries[key]; ok {
		prior.resolve(nil, slskerr.New(slskerr.KindReplaced, "wait replaced by a newer registration"))
	}
	w.entries[key] = e
	w.mu.Unlock()

	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	cleanup := func() {
		w.mu.Lock()
		if w.entries[key] == e {
			delete(w.entries, key)
		}
		w.mu.Unlock()
	}

	select {
	case r := <-e.result:
		cleanup()
		if r.err != nil {
			return zero, r.err
		}
		v, ok := r.value.(T)
		if !ok {
			return zero, slskerr.New(slskerr.KindTypeMismatch, "completed value did not match the waited type")
		}
		return v, nil
	case <-ctx.Done():
		e.resolve(nil, slskerr.New(slskerr.KindCancelled, "wait cancelled"))
		cleanup()
		return zero, slskerr.New(slskerr.KindCancelled, "wait cancelled")
	case <-w.clock.After(timeout):
		e.resolve(nil, slskerr.New(slskerr.KindTimeout, "wait timed out"))
		cleanup()
		return zero, slskerr.New(slskerr.KindTimeout, "wait timed out")
	}
}

// Complete resolves the pending wait for key with value, reporting whether
// a wait was actually registered for key. No-op if absent. If value's type
// does not match what the wait expects, the wait instead fails with
// KindTypeMismatch; the mismatch is discovered by the waiting
// goroutine, since only it knows T.
func (w *Waiter) Complete(key Key, value interface{}) bool {
	w.mu.Lock()
	e, ok := w.entries[key]
	w.mu.Unlock()
	if !ok {
		return false
	}
	return e.resolve(value, nil)
}

// Throw fails the pending wait for key with err. No-op if absent.
func (w *Waiter) Throw(key Key, err error) {
	w.mu.Lock()
	e, ok := w.entries[key]
	w.mu.Unlock()
	if !ok {
		return
	}
	e.resolve(nil, err)
}

// CancelAll fails every outstanding wait with KindCancelled, used when
// the owning client tears down.
func (w *Waiter) CancelAll() {
	w.mu.Lock()
	entries := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	w.entries = make(map[Key]*entry)
	w.mu.Unlock()

	for _, e := range entries {
		e.resolve(nil, slskerr.New(slskerr.KindCancelled, "cancelled"))
	}
}

// Outstanding reports how many waits are currently pending (diagnostics/tests).
func (w *Waiter) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
