package dataring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/ring"
)

// Receiver gets each good frame. The slice is only valid during the call.
type Receiver func(frame []byte)

// RxConfig describes an RX ring and its aggregation ring
type RxConfig struct {
	Ring    *ring.Ring
	Pool    *Pool
	AggRing *ring.Ring
	AggPool *Pool

	Doorbell          doorbell.Writer
	DoorbellOffset    uint32
	AggDoorbellOffset uint32

	Receiver Receiver
	Logger   *logging.Logger
}

// Rx keeps an RX ring and its AGG ring posted with buffers and turns RX
// completions into frames. It is owned by its queue set's worker.
type Rx struct {
	ring     *ring.Ring
	pool     *Pool
	slots    []Buffer
	agg      *ring.Ring
	aggPool  *Pool
	aggSlots []Buffer

	db       doorbell.Writer
	dbOff    uint32
	aggDbOff uint32
	lastProd uint32
	lastAgg  uint32

	recv    atomic.Pointer[Receiver]
	stopped atomic.Bool
	logger  *logging.Logger

	packets atomic.Uint64
	bytes   atomic.Uint64
	errs    atomic.Uint64
	drops   atomic.Uint64
	aggBufs atomic.Uint64
}

func NewRx(cfg RxConfig) (*Rx, error) {
	if cfg.Ring == nil || cfg.Pool == nil || cfg.Doorbell == nil {
		return nil, errors.New("rx ring: ring, pool and doorbell are required")
	}
	if cfg.Ring.Stride() != hsi.BD_SIZE {
		return nil, fmt.Errorf("rx ring: stride %d, want %d", cfg.Ring.Stride(), hsi.BD_SIZE)
	}
	if (cfg.AggRing == nil) != (cfg.AggPool == nil) {
		return nil, errors.New("rx ring: aggregation ring and pool go together")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	r := &Rx{
		ring:     cfg.Ring,
		pool:     cfg.Pool,
		slots:    make([]Buffer, cfg.Ring.Size()),
		agg:      cfg.AggRing,
		aggPool:  cfg.AggPool,
		db:       cfg.Doorbell,
		dbOff:    cfg.DoorbellOffset,
		aggDbOff: cfg.AggDoorbellOffset,
		logger:   cfg.Logger,
	}
	if r.agg != nil {
		r.aggSlots = make([]Buffer, r.agg.Size())
	}
	r.SetReceiver(cfg.Receiver)
	return r, nil
}

// SetReceiver replaces the frame callback. nil drops frames.
func (r *Rx) SetReceiver(fn Receiver) {
	if fn == nil {
		r.recv.Store(nil)
		return
	}
	r.recv.Store(&fn)
}

// Ring returns the RX descriptor ring
func (r *Rx) Ring() *ring.Ring { return r.ring }

// AggRing returns the aggregation ring, or nil
func (r *Rx) AggRing() *ring.Ring { return r.agg }

// Target returns the RX doorbell target
func (r *Rx) Target() doorbell.Target {
	return doorbell.Target{Offset: r.dbOff, XID: r.ring.ID()}
}

// AggTarget returns the AGG doorbell target
func (r *Rx) AggTarget() doorbell.Target {
	return doorbell.Target{Offset: r.aggDbOff, XID: r.agg.ID()}
}

func post(rg *ring.Ring, slots []Buffer, buf Buffer, typ uint16) bool {
	slot, err := rg.Reserve()
	if err != nil {
		return false
	}
	prod := rg.Prod()
	hsi.PutBufferDescriptor(slot, hsi.BufferDescriptor{
		FlagsType: typ,
		Len:       uint16(len(buf.Data)),
		Opaque:    prod,
		Addr:      buf.Bus,
	})
	slots[prod&rg.Mask()] = buf
	rg.AdvanceProducer(1)
	return true
}

func fill(rg *ring.Ring, pool *Pool, slots []Buffer, typ uint16) int {
	n := 0
	for rg.FreeCount() > 0 {
		buf, ok := pool.Get()
		if !ok {
			break
		}
		post(rg, slots, buf, typ)
		n++
	}
	return n
}

// Fill posts free buffers until the rings are full or the pools are empty
// and rings the doorbells. It returns the number of buffers posted.
func (r *Rx) Fill() int {
	if r.stopped.Load() {
		return 0
	}
	n := fill(r.ring, r.pool, r.slots, hsi.RX_BD_TYPE_PKT)
	if r.agg != nil {
		n += fill(r.agg, r.aggPool, r.aggSlots, hsi.RX_BD_TYPE_AGG)
	}
	r.Kick()
	return n
}

// Kick publishes re-posted buffers
func (r *Rx) Kick() {
	if r.stopped.Load() {
		return
	}
	if p := r.ring.Prod(); p != r.lastProd {
		r.lastProd = p
		r.db.RX(r.Target(), r.ring.ProdIndex())
	}
	if r.agg != nil {
		if p := r.agg.Prod(); p != r.lastAgg {
			r.lastAgg = p
			r.db.RX(r.AggTarget(), r.agg.ProdIndex())
		}
	}
}

// take retires the descriptor at the consumer, which must be the one the
// completion names
func take(rg *ring.Ring, slots []Buffer, opaque uint32) (Buffer, error) {
	if rg.Used() == 0 || opaque != rg.Cons() {
		return Buffer{}, fmt.Errorf("%w: opaque %d, consumer %d, posted %d",
			ErrBadCompletion, opaque, rg.Cons(), rg.Used())
	}
	idx := rg.ConsIndex()
	buf := slots[idx]
	slots[idx] = Buffer{}
	rg.AdvanceConsumer(1)
	return buf, nil
}

func (r *Rx) repost(buf Buffer) {
	if r.stopped.Load() || !post(r.ring, r.slots, buf, hsi.RX_BD_TYPE_PKT) {
		r.pool.Put(buf)
	}
}

func (r *Rx) repostAgg(buf Buffer) {
	if r.stopped.Load() || !post(r.agg, r.aggSlots, buf, hsi.RX_BD_TYPE_AGG) {
		r.aggPool.Put(buf)
	}
}

// HandleRx is the CQ handler for RX completions. A completion that names
// aggregation buffers is only consumed once all of them have been written.
func (r *Rx) HandleRx(q *cq.Queue, c hsi.Completion) error {
	aggs := hsi.RxAggBufs(c)
	if aggs > 0 {
		if r.agg == nil {
			return fmt.Errorf("%w: %d aggregation buffers without an aggregation ring", ErrBadCompletion, aggs)
		}
		if !q.Ready(aggs) {
			return cq.ErrIncomplete
		}
	}

	buf, err := take(r.ring, r.slots, c.Opaque)
	if err != nil {
		return err
	}
	defer r.repost(buf)

	parts := make([]Buffer, 0, aggs)
	lens := make([]int, 0, aggs)
	defer func() {
		for _, p := range parts {
			r.repostAgg(p)
		}
	}()
	for i := 0; i < aggs; i++ {
		ac, ok := q.Take()
		if !ok || ac.Type != hsi.CMPL_BASE_TYPE_RX_AGG {
			return fmt.Errorf("%w: expected aggregation completion %d of %d", ErrBadCompletion, i+1, aggs)
		}
		ab, err := take(r.agg, r.aggSlots, ac.Opaque)
		if err != nil {
			return err
		}
		parts = append(parts, ab)
		lens = append(lens, min(int(ac.Len), len(ab.Data)))
	}
	r.aggBufs.Add(uint64(aggs))

	if c.Errors&hsi.RX_CMPL_ERRORS_MASK != 0 {
		r.errs.Add(1)
		return nil
	}
	fn := r.recv.Load()
	if fn == nil {
		r.drops.Add(1)
		return nil
	}

	head := min(int(c.Len), len(buf.Data))
	if aggs == 0 {
		(*fn)(buf.Data[:head])
		r.packets.Add(1)
		r.bytes.Add(uint64(head))
		return nil
	}

	total := head
	for _, n := range lens {
		total += n
	}
	frame := getScratch(total)
	off := copy(frame, buf.Data[:head])
	for i, p := range parts {
		off += copy(frame[off:], p.Data[:lens[i]])
	}
	(*fn)(frame)
	putScratch(frame)

	r.packets.Add(1)
	r.bytes.Add(uint64(total))
	return nil
}

// HandleAgg handles an aggregation completion seen on its own, which
// means the RX completion that should have claimed it was lost
func (r *Rx) HandleAgg(q *cq.Queue, c hsi.Completion) error {
	r.drops.Add(1)
	return fmt.Errorf("%w: orphan aggregation completion %d", ErrBadCompletion, c.Opaque)
}

// Stop stops re-posting and doorbells
func (r *Rx) Stop() {
	r.stopped.Store(true)
}

// Start resumes posting; call Fill afterwards
func (r *Rx) Start() {
	r.stopped.Store(false)
}

func (r *Rx) Stopped() bool {
	return r.stopped.Load()
}

func reclaim(rg *ring.Ring, pool *Pool, slots []Buffer) int {
	n := rg.Used()
	for i := 0; i < n; i++ {
		idx := (rg.Cons() + uint32(i)) & rg.Mask()
		pool.Put(slots[idx])
		slots[idx] = Buffer{}
	}
	rg.Reset()
	return n
}

// Reclaim takes every posted buffer back into the pools and rewinds both
// rings. The rings must be stopped or unbound.
func (r *Rx) Reclaim() int {
	n := reclaim(r.ring, r.pool, r.slots)
	r.lastProd = 0
	if r.agg != nil {
		n += reclaim(r.agg, r.aggPool, r.aggSlots)
		r.lastAgg = 0
	}
	return n
}

// RxStats are the counters of one RX ring
type RxStats struct {
	Packets uint64
	Bytes   uint64
	Errors  uint64
	Drops   uint64
	AggBufs uint64
}

func (r *Rx) Stats() RxStats {
	return RxStats{
		Packets: r.packets.Load(),
		Bytes:   r.bytes.Load(),
		Errors:  r.errs.Load(),
		Drops:   r.drops.Load(),
		AggBufs: r.aggBufs.Load(),
	}
}
