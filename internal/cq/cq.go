// Package cq implements the software consumer side of a completion queue.
package cq

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/mmio"
	"github.com/ehrlich-b/go-bnxt/internal/ring"
)

var (
	// ErrUnknownType is returned by a Dispatcher for entry types it does not
	// recognize. The entry is logged and skipped.
	ErrUnknownType = errors.New("unknown completion type")

	// ErrIncomplete is returned by a Dispatcher when an entry depends on
	// follow-on entries hardware has not written yet. The entry is left
	// unconsumed and the drain stops.
	ErrIncomplete = errors.New("completion incomplete")
)

// consBeforeStart is the consumer value before the first entry is consumed;
// the first candidate is (consBeforeStart+1) == 0 and does not flip the
// generation bit.
const consBeforeStart = ^uint32(0)

// Dispatcher receives every new completion in ring order
type Dispatcher interface {
	Dispatch(q *Queue, c hsi.Completion) error
}

// Queue is a completion ring consumed only by software.
type Queue struct {
	ring   *ring.Ring
	db     doorbell.Writer
	dbOff  uint32
	name   string
	cons   uint32
	gen    bool
	logger *logging.Logger
	warn   *logging.Limited

	consumed  atomic.Uint64
	malformed atomic.Uint64
}

// Config describes a completion queue
type Config struct {
	Name     string
	Ring     *ring.Ring
	Doorbell doorbell.Writer
	// DoorbellOffset is the register offset of this queue's doorbell
	DoorbellOffset uint32
	Logger         *logging.Logger
}

// New wraps a ring of hsi.CMPL_SIZE entries as a completion queue
func New(cfg Config) (*Queue, error) {
	if cfg.Ring == nil || cfg.Doorbell == nil {
		return nil, fmt.Errorf("completion queue %q: ring and doorbell are required", cfg.Name)
	}
	if cfg.Ring.Stride() != hsi.CMPL_SIZE {
		return nil, fmt.Errorf("completion queue %q: stride %d, want %d", cfg.Name, cfg.Ring.Stride(), hsi.CMPL_SIZE)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	q := &Queue{
		ring:   cfg.Ring,
		db:     cfg.Doorbell,
		dbOff:  cfg.DoorbellOffset,
		name:   cfg.Name,
		logger: logger,
		warn:   logging.NewLimited(logger, time.Second),
	}
	q.Reset()
	return q, nil
}

// Ring returns the underlying descriptor ring
func (q *Queue) Ring() *ring.Ring { return q.ring }

// Name returns the queue's name for logging
func (q *Queue) Name() string { return q.name }

// Consumer returns the index of the last consumed entry. Before the first
// entry it returns the "before 0" sentinel 0xffffffff.
func (q *Queue) Consumer() uint32 { return q.cons }

// Generation returns the valid-bit value that marks a new entry
func (q *Queue) Generation() bool { return q.gen }

// Consumed returns the total number of entries consumed
func (q *Queue) Consumed() uint64 { return q.consumed.Load() }

// Malformed returns the number of entries skipped as unknown
func (q *Queue) Malformed() uint64 { return q.malformed.Load() }

// Target returns the doorbell target with the current hardware ring ID
func (q *Queue) Target() doorbell.Target {
	return doorbell.Target{Offset: q.dbOff, XID: q.ring.ID()}
}

// Reset puts the consumer before index 0 with generation bit 1
func (q *Queue) Reset() {
	q.cons = consBeforeStart
	q.gen = true
}

// MarkInvalid writes the inverse of the current generation into every
// entry so nothing left in memory reads as new.
func (q *Queue) MarkInvalid() {
	for i := 0; i < q.ring.Size(); i++ {
		hsi.SetCompletionValid(q.ring.Slot(uint32(i)), !q.gen)
	}
}

// advance computes the candidate after cons, flipping gen on wrap
func (q *Queue) advance(cons uint32, gen bool) (uint32, bool) {
	next := cons + 1
	if next == uint32(q.ring.Size()) {
		next = 0
		gen = !gen
	}
	return next, gen
}

// peek returns the entry after cons if hardware has written it
func (q *Queue) peek(cons uint32, gen bool) (uint32, bool, []byte, bool) {
	idx, ngen := q.advance(cons, gen)
	raw := q.ring.Slot(idx)
	if hsi.CompletionValid(raw) != ngen {
		return 0, false, nil, false
	}
	// order the valid-bit read before the reads of the entry body
	mmio.Mfence()
	return idx, ngen, raw, true
}

// Ready reports whether the next n entries have been written
func (q *Queue) Ready(n int) bool {
	cons, gen := q.cons, q.gen
	for i := 0; i < n; i++ {
		var ok bool
		cons, gen, _, ok = q.peek(cons, gen)
		if !ok {
			return false
		}
	}
	return true
}

// Take consumes and returns the next entry, if there is one. Dispatchers use
// it to pull follow-on entries (aggregation buffers) of a multi-entry
// completion after checking Ready.
func (q *Queue) Take() (hsi.Completion, bool) {
	idx, gen, raw, ok := q.peek(q.cons, q.gen)
	if !ok {
		return hsi.Completion{}, false
	}
	c, err := hsi.DecodeCompletion(raw)
	if err != nil {
		return hsi.Completion{}, false
	}
	q.cons, q.gen = idx, gen
	q.consumed.Add(1)
	return c, true
}

// Drain consumes new entries in order and hands each to d. It stops at the
// first entry whose valid bit does not match the current generation, or
// after budget entries when budget > 0. It returns the number of entries
// dispatched. Draining an empty queue changes nothing.
func (q *Queue) Drain(budget int, d Dispatcher) int {
	n := 0
	for budget <= 0 || n < budget {
		prevCons, prevGen, prevCount := q.cons, q.gen, q.consumed.Load()
		c, ok := q.Take()
		if !ok {
			break
		}

		err := d.Dispatch(q, c)
		switch {
		case err == nil:
		case errors.Is(err, ErrIncomplete):
			q.cons, q.gen = prevCons, prevGen
			q.consumed.Store(prevCount)
			return n
		case errors.Is(err, ErrUnknownType):
			q.malformed.Add(1)
			q.warn.Warn("skipping malformed completion",
				"cq", q.name, "type", c.Type, "index", q.cons)
		default:
			q.warn.Warn("completion handler failed",
				"cq", q.name, "type", c.Type, "index", q.cons, "error", err)
		}
		n++
	}
	return n
}

// Rearm writes the CQ doorbell with the next index to be read. With arm set
// the hardware may raise the interrupt again; otherwise it stays masked.
func (q *Queue) Rearm(arm bool) {
	next, _ := q.advance(q.cons, q.gen)
	q.db.CQ(q.Target(), next, arm)
}

// Mask disables the queue's interrupt. Unlike Rearm it reads no consumer
// state, so any goroutine may call it.
func (q *Queue) Mask() {
	q.db.MaskCQ(q.Target())
}

// Mux dispatches completions by type
type Mux struct {
	handlers map[uint8]HandlerFunc
}

// HandlerFunc handles one completion type
type HandlerFunc func(q *Queue, c hsi.Completion) error

// NewMux returns an empty Mux; every type is unknown until registered
func NewMux() *Mux {
	return &Mux{handlers: make(map[uint8]HandlerFunc)}
}

// Handle registers h for completion type typ
func (m *Mux) Handle(typ uint8, h HandlerFunc) *Mux {
	m.handlers[typ] = h
	return m
}

// Dispatch implements Dispatcher
func (m *Mux) Dispatch(q *Queue, c hsi.Completion) error {
	h, ok := m.handlers[c.Type]
	if !ok {
		return fmt.Errorf("%w 0x%x", ErrUnknownType, c.Type)
	}
	return h(q, c)
}
