package schemacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTokenReleased is returned when an UpdateToken is used after Commit or Abort.
var ErrTokenReleased = errors.New("schemacache: update token already released")

// Version is the monotonically increasing counter stamped on each commit.
type Version uint64

// Snapshot is a value together with the version it was committed under.
type Snapshot[V any] struct {
	Value   V
	Version Version
}

// Cell holds the current Snapshot of a shared value.
//
// Thread Safety:
//   - Snapshot is lock-free and safe from any goroutine.
//   - At most one UpdateToken is outstanding at a time; further
//     BeginUpdate calls queue until it is released.
type Cell[V any] struct {
	current atomic.Pointer[Snapshot[V]]

	// writer is a one-slot semaphore. A channel rather than a mutex so that
	// waiting writers can give up when their context ends.
	writer chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(Snapshot[V])
}

// New creates a Cell holding initial at version zero.
func New[V any](initial V) *Cell[V] {
	c := &Cell[V]{writer: make(chan struct{}, 1)}
	c.current.Store(&Snapshot[V]{Value: initial})
	return c
}

// Snapshot returns the most recently committed value and its version.
func (c *Cell[V]) Snapshot() Snapshot[V] {
	return *c.current.Load()
}

// Version returns the most recently committed version.
func (c *Cell[V]) Version() Version {
	return c.current.Load().Version
}

// BeginUpdate acquires exclusive write access.
//
// It blocks while another update is in progress. If ctx ends first the
// context error is returned and no token is held.
func (c *Cell[V]) BeginUpdate(ctx context.Context) (*UpdateToken[V], error) {
	select {
	case c.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &UpdateToken[V]{cell: c, base: c.Snapshot()}, nil
}

// OnCommit registers fn to run after every commit, in commit order.
// fn runs while the writer slot is still held and must not block or
// start another update.
func (c *Cell[V]) OnCommit(fn func(Snapshot[V])) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Cell[V]) notify(s Snapshot[V]) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, fn := range c.listeners {
		fn(s)
	}
}

// Update runs fn inside an update section.
//
// fn receives the snapshot current at acquisition. A nil error commits the
// returned value; a non-nil error or a panic aborts, leaving the cell
// untouched. Panics are re-raised after the writer slot is released.
func (c *Cell[V]) Update(ctx context.Context, fn func(Snapshot[V]) (V, error)) (Snapshot[V], error) {
	tok, err := c.BeginUpdate(ctx)
	if err != nil {
		return Snapshot[V]{}, err
	}
	defer tok.Abort()

	next, err := fn(tok.Current())
	if err != nil {
		return Snapshot[V]{}, err
	}
	return tok.Commit(next)
}

// UpdateToken is exclusive write access to a Cell.
type UpdateToken[V any] struct {
	cell     *Cell[V]
	base     Snapshot[V]
	released atomic.Bool
}

// Current returns the snapshot that was committed when the token was taken.
// No other writer can have committed since.
func (t *UpdateToken[V]) Current() Snapshot[V] {
	return t.base
}

// Commit stores value under the next version and releases the token.
func (t *UpdateToken[V]) Commit(value V) (Snapshot[V], error) {
	if !t.released.CompareAndSwap(false, true) {
		return Snapshot[V]{}, ErrTokenReleased
	}
	next := &Snapshot[V]{Value: value, Version: t.base.Version + 1}
	t.cell.current.Store(next)
	defer func() { <-t.cell.writer }()
	t.cell.notify(*next)
	return *next, nil
}

// Abort releases the token without changing the cell. It is a no-op after
// Commit or a previous Abort, so it is safe to defer.
func (t *UpdateToken[V]) Abort() {
	if t.released.CompareAndSwap(false, true) {
		<-t.cell.writer
	}
}
