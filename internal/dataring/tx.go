// Package dataring implements the TX, RX and aggregation data rings on top
// of the descriptor ring and completion queue primitives.
package dataring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/ring"
)

var (
	// ErrStopped is returned by producers while the ring is stopped for
	// recovery or teardown
	ErrStopped = errors.New("ring stopped")

	// ErrFrameTooLarge is returned when a frame does not fit a packet buffer
	ErrFrameTooLarge = errors.New("frame larger than packet buffer")

	// ErrBadCompletion is returned for a completion that does not match
	// outstanding work
	ErrBadCompletion = errors.New("completion does not match outstanding work")
)

// TxConfig describes a TX ring
type TxConfig struct {
	Ring     *ring.Ring
	Pool     *Pool
	Doorbell doorbell.Writer
	// DoorbellOffset is the register offset of the ring's doorbell
	DoorbellOffset uint32
	Logger         *logging.Logger
}

// Tx is the producer side of a TX ring. Enqueue may be called from any
// goroutine; completions are handled by the queue set's worker.
type Tx struct {
	mu       sync.Mutex
	ring     *ring.Ring
	pool     *Pool
	db       doorbell.Writer
	dbOff    uint32
	slots    []Buffer
	lastKick uint32
	stopped  atomic.Bool
	logger   *logging.Logger

	packets   atomic.Uint64
	bytes     atomic.Uint64
	completed atomic.Uint64
	full      atomic.Uint64
}

func NewTx(cfg TxConfig) (*Tx, error) {
	if cfg.Ring == nil || cfg.Pool == nil || cfg.Doorbell == nil {
		return nil, errors.New("tx ring: ring, pool and doorbell are required")
	}
	if cfg.Ring.Stride() != hsi.BD_SIZE {
		return nil, fmt.Errorf("tx ring: stride %d, want %d", cfg.Ring.Stride(), hsi.BD_SIZE)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Tx{
		ring:   cfg.Ring,
		pool:   cfg.Pool,
		db:     cfg.Doorbell,
		dbOff:  cfg.DoorbellOffset,
		slots:  make([]Buffer, cfg.Ring.Size()),
		logger: cfg.Logger,
	}, nil
}

// Ring returns the descriptor ring
func (t *Tx) Ring() *ring.Ring { return t.ring }

// Target returns the doorbell target with the current hardware ring ID
func (t *Tx) Target() doorbell.Target {
	return doorbell.Target{Offset: t.dbOff, XID: t.ring.ID()}
}

// Enqueue copies frame into a packet buffer and writes its descriptor. The
// hardware does not see it until Kick.
func (t *Tx) Enqueue(frame []byte) error {
	if len(frame) > t.pool.BufSize() || len(frame) > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped.Load() {
		return ErrStopped
	}
	slot, err := t.ring.Reserve()
	if err != nil {
		t.full.Add(1)
		return err
	}
	buf, ok := t.pool.Get()
	if !ok {
		t.full.Add(1)
		return ErrNoBuffers
	}
	copy(buf.Data, frame)

	prod := t.ring.Prod()
	hsi.PutBufferDescriptor(slot, hsi.BufferDescriptor{
		FlagsType: hsi.TX_BD_TYPE_SHORT | hsi.TX_BD_FLAGS_PACKET_END,
		Len:       uint16(len(frame)),
		Opaque:    prod,
		Addr:      buf.Bus,
	})
	t.slots[prod&t.ring.Mask()] = buf
	t.ring.AdvanceProducer(1)

	t.packets.Add(1)
	t.bytes.Add(uint64(len(frame)))
	return nil
}

// Kick publishes every descriptor written since the last Kick
func (t *Tx) Kick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kickLocked()
}

func (t *Tx) kickLocked() {
	if t.stopped.Load() || t.ring.Prod() == t.lastKick {
		return
	}
	// the doorbell carries the slot index; a kick is only sent for new
	// descriptors, so an unchanged index means a full lap
	t.lastKick = t.ring.Prod()
	t.db.TX(t.Target(), t.ring.ProdIndex())
}

// Complete handles a TX completion. Opaque carries the producer cursor of
// the last descriptor hardware finished; everything up to it is released.
func (t *Tx) Complete(c hsi.Completion) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := c.Opaque - t.ring.Cons() + 1
	if int(n) <= 0 || int(n) > t.ring.Used() {
		return fmt.Errorf("%w: tx opaque %d, consumer %d, outstanding %d",
			ErrBadCompletion, c.Opaque, t.ring.Cons(), t.ring.Used())
	}
	for i := uint32(0); i < n; i++ {
		idx := (t.ring.Cons() + i) & t.ring.Mask()
		t.pool.Put(t.slots[idx])
		t.slots[idx] = Buffer{}
	}
	t.ring.AdvanceConsumer(int(n))
	t.completed.Add(uint64(n))
	return nil
}

// Stop blocks further Enqueue and Kick calls
func (t *Tx) Stop() {
	t.stopped.Store(true)
}

// Start reopens a stopped ring
func (t *Tx) Start() {
	t.stopped.Store(false)
}

// Stopped reports whether the ring is stopped
func (t *Tx) Stopped() bool {
	return t.stopped.Load()
}

// Flush drops every descriptor not yet completed, returns their buffers to
// the pool and rewinds the ring. No doorbell is written. It returns the
// number of frames dropped.
func (t *Tx) Flush() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := t.ring.Used()
	for i := 0; i < dropped; i++ {
		idx := (t.ring.Cons() + uint32(i)) & t.ring.Mask()
		t.pool.Put(t.slots[idx])
		t.slots[idx] = Buffer{}
	}
	t.ring.Reset()
	t.lastKick = 0
	if dropped > 0 {
		t.logger.Debug("flushed tx ring", "dropped", dropped)
	}
	return dropped
}

// Pending returns the number of descriptors hardware has not completed
func (t *Tx) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Used()
}

// TxStats are the producer counters of one TX ring
type TxStats struct {
	Packets   uint64
	Bytes     uint64
	Completed uint64
	RingFull  uint64
}

func (t *Tx) Stats() TxStats {
	return TxStats{
		Packets:   t.packets.Load(),
		Bytes:     t.bytes.Load(),
		Completed: t.completed.Load(),
		RingFull:  t.full.Load(),
	}
}
