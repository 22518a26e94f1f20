// Package intr delivers interrupt vectors to callbacks. A callback is the
// top half: it must not block, and typically masks a completion queue and
// wakes that queue's worker.
package intr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrVectorInUse  = errors.New("interrupt vector already registered")
	ErrBadVector    = errors.New("interrupt vector out of range")
	ErrNotSupported = errors.New("interrupt delivery not supported on this platform")
)

// Handle is a registered vector
type Handle interface {
	Vector() int
	Unregister() error
}

// Registrar binds vectors to callbacks
type Registrar interface {
	Register(vector int, fn func()) (Handle, error)
}

// Table is a software vector table. Simulated hardware raises vectors with
// Fire.
type Table struct {
	mu    sync.RWMutex
	vecs  []func()
	fired []atomic.Uint64
}

// NewTable returns a table of n vectors
func NewTable(n int) *Table {
	return &Table{vecs: make([]func(), n), fired: make([]atomic.Uint64, n)}
}

func (t *Table) Register(vector int, fn func()) (Handle, error) {
	if fn == nil {
		return nil, errors.New("nil interrupt callback")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if vector < 0 || vector >= len(t.vecs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadVector, vector, len(t.vecs))
	}
	if t.vecs[vector] != nil {
		return nil, fmt.Errorf("%w: %d", ErrVectorInUse, vector)
	}
	t.vecs[vector] = fn
	return &tableHandle{t: t, vector: vector}, nil
}

// Fire invokes the vector's callback on the calling goroutine. It reports
// whether a callback was registered.
func (t *Table) Fire(vector int) bool {
	t.mu.RLock()
	var fn func()
	if vector >= 0 && vector < len(t.vecs) {
		fn = t.vecs[vector]
	}
	t.mu.RUnlock()
	if fn == nil {
		return false
	}
	t.fired[vector].Add(1)
	fn()
	return true
}

// Fired returns how many times a vector was delivered
func (t *Table) Fired(vector int) uint64 {
	if vector < 0 || vector >= len(t.fired) {
		return 0
	}
	return t.fired[vector].Load()
}

// Registered reports whether a vector has a callback
func (t *Table) Registered(vector int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return vector >= 0 && vector < len(t.vecs) && t.vecs[vector] != nil
}

type tableHandle struct {
	t      *Table
	vector int
	once   sync.Once
}

func (h *tableHandle) Vector() int { return h.vector }

func (h *tableHandle) Unregister() error {
	h.once.Do(func() {
		h.t.mu.Lock()
		h.t.vecs[h.vector] = nil
		h.t.mu.Unlock()
	})
	return nil
}
