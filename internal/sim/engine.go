package sim

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

var (
	// ErrNoVnic is returned by Receive when no VNIC has a ring group
	ErrNoVnic = errors.New("sim: no configured vnic")
	// ErrNoBuffer means the driver had not posted enough RX or AGG buffers
	ErrNoBuffer = errors.New("sim: no rx buffer posted")
	// ErrHalted means the firmware is in the fatal state
	ErrHalted = errors.New("sim: device halted")
)

// simRing is the device's view of one bound ring
type simRing struct {
	id      uint16
	typ     uint8
	slot    uint16
	mem     []byte
	size    uint32
	cmpl    uint16
	statCtx uint32

	// producer rings: published producer and device consumer, both
	// free-running 24-bit cursors rebuilt from doorbell slot indexes
	prod uint32
	cons uint32

	// completion rings
	wr      uint32 // entries written, free-running
	rd      uint32 // driver consumer, free-running
	armed   bool
	intMode uint8
	vector  uint16
	dropped uint64
}

func (r *simRing) entry(i uint32) []byte {
	off := int(i&(r.size-1)) * hsi.CMPL_SIZE
	return r.mem[off : off+hsi.CMPL_SIZE]
}

// pending returns descriptors published but not yet consumed
func (r *simRing) pending() uint32 {
	return (r.prod - r.cons) & hsi.DB_IDX_MASK
}

func (r *simRing) bd(cursor uint32) (hsi.BufferDescriptor, error) {
	off := int(cursor&(r.size-1)) * hsi.BD_SIZE
	return hsi.GetBufferDescriptor(r.mem[off : off+hsi.BD_SIZE])
}

// space returns the free completion entries
func (r *simRing) space() uint32 {
	return r.size - (r.wr - r.rd)
}

// legacyDoorbell decodes a 32-bit doorbell. The slot identifies the ring.
func (n *NIC) legacyDoorbell(off uint32, v uint32) {
	slot := uint16((off - hsi.REG_DB_BASE) / hsi.DB_STRIDE)
	id, ok := n.slots[slot]
	if !ok {
		n.log.Warn("doorbell for unbound slot", "slot", slot, "value", fmt.Sprintf("0x%08x", v))
		return
	}
	r := n.rings[id]
	f := hsi.UnpackLegacyDoorbell(v)
	switch f.Key {
	case hsi.DB_KEY_TX:
		n.producer(r, hsi.RING_TYPE_TX, f.Index)
	case hsi.DB_KEY_RX:
		if r.typ == hsi.RING_TYPE_RX || r.typ == hsi.RING_TYPE_RX_AGG {
			n.producer(r, r.typ, f.Index)
		} else {
			n.log.Warn("rx doorbell on non-rx ring", "ring", id, "type", r.typ)
		}
	case hsi.DB_KEY_CMPL:
		switch {
		case f.IdxValid:
			n.completionDoorbell(r, f.Index, !f.Masked)
		case f.Masked:
			r.armed = false
		}
	default:
		n.log.Warn("unknown doorbell key", "slot", slot, "key", f.Key>>hsi.DB_KEY_SHIFT)
	}
}

// p5Doorbell decodes a 64-bit doorbell. The XID identifies the ring.
func (n *NIC) p5Doorbell(v uint64) {
	f := hsi.UnpackP5Doorbell(v)
	if !f.Valid || f.Path != hsi.DBR_PATH_L2 {
		n.log.Warn("dropping malformed doorbell", "value", fmt.Sprintf("0x%016x", v))
		return
	}
	r, ok := n.rings[uint16(f.XID)]
	if !ok {
		n.log.Warn("doorbell for unbound ring", "xid", f.XID)
		return
	}
	switch f.Type {
	case hsi.DBR_TYPE_SQ:
		n.producer(r, hsi.RING_TYPE_TX, f.Index)
	case hsi.DBR_TYPE_SRQ, hsi.DBR_TYPE_RQ:
		n.producer(r, r.typ, f.Index)
	case hsi.DBR_TYPE_CQ:
		n.completionDoorbell(r, f.Index, false)
	case hsi.DBR_TYPE_CQ_ARMALL:
		n.completionDoorbell(r, f.Index, true)
	default:
		n.log.Warn("unsupported doorbell type", "xid", f.XID, "type", f.Type>>hsi.DBR_TYPE_SHIFT)
	}
}

func (n *NIC) producer(r *simRing, want uint8, idx uint32) {
	if r.typ != want {
		n.log.Warn("doorbell type does not match ring", "ring", r.id, "ring_type", r.typ, "doorbell_type", want)
		return
	}
	if idx >= r.size {
		n.badDoorbells++
		n.log.Warn("doorbell index outside the ring", "ring", r.id, "index", idx, "size", r.size)
		return
	}
	// rebuild the free-running producer from the slot index. Drivers only
	// ring for new descriptors, so an unchanged index is a full lap, which
	// needs an empty ring.
	delta := (idx - r.prod) & (r.size - 1)
	if delta == 0 {
		delta = r.size
	}
	if r.pending()+delta > r.size {
		n.badDoorbells++
		n.log.Warn("producer ran past the ring", "ring", r.id, "index", idx, "pending", r.pending(), "size", r.size)
		return
	}
	r.prod = (r.prod + delta) & hsi.DB_IDX_MASK
	if r.typ == hsi.RING_TYPE_TX {
		n.transmit(r)
	}
}

// completionDoorbell records the driver consumer. idx is the next entry the
// driver will read.
func (n *NIC) completionDoorbell(r *simRing, idx uint32, arm bool) {
	// rebuild the free-running consumer from the slot index
	if delta := (idx - r.rd) & (r.size - 1); delta <= r.wr-r.rd {
		r.rd += delta
	}
	r.armed = arm
	if arm && r.wr != r.rd {
		n.interrupt(r)
	}
}

func (n *NIC) interrupt(r *simRing) {
	if !r.armed || r.intMode != hsi.RING_ALLOC_INT_MODE_MSIX {
		return
	}
	r.armed = false
	n.raise = append(n.raise, int(r.vector))
}

// post writes completions to a completion ring. The first entry's valid bit
// is written last so a multi-entry completion appears at once.
func (n *NIC) post(r *simRing, cs ...hsi.Completion) bool {
	if r == nil {
		return false
	}
	if r.space() < uint32(len(cs)) {
		r.dropped += uint64(len(cs))
		n.log.Warn("completion ring overflow", "ring", r.id, "dropped", len(cs))
		return false
	}
	for i := len(cs) - 1; i >= 0; i-- {
		pos := r.wr + uint32(i)
		c := cs[i]
		// the valid bit is the generation of the pass being written
		c.Valid = (pos/r.size)%2 == 0
		hsi.EncodeCompletion(c, r.entry(pos))
	}
	r.wr += uint32(len(cs))
	n.interrupt(r)
	return true
}

// transmit drains every published TX descriptor
func (n *NIC) transmit(r *simRing) {
	if n.halted || n.faults.stallTx {
		return
	}
	cq := n.rings[r.cmpl]
	var pkts, bytes uint64
	for r.pending() > 0 {
		bd, err := r.bd(r.cons)
		if err != nil {
			break
		}
		frame, err := n.cfg.Memory.Resolve(bd.Addr, int(bd.Len))
		if err != nil {
			n.log.Warn("tx descriptor points at unmapped memory", "ring", r.id, "addr", fmt.Sprintf("0x%x", bd.Addr), "error", err)
		} else {
			n.deliver(frame)
			pkts++
			bytes += uint64(bd.Len)
		}
		r.cons = (r.cons + 1) & hsi.DB_IDX_MASK
		n.post(cq, hsi.Completion{Type: hsi.CMPL_BASE_TYPE_TX_L2, Opaque: bd.Opaque, Len: bd.Len})
	}
	n.port.tx.Packets += pkts
	n.port.tx.Bytes += bytes
	n.updateStats(r.statCtx, func(s *hsi.CtxStats) {
		s.TxPkts += pkts
		s.TxBytes += bytes
	})
}

func (n *NIC) deliver(frame []byte) {
	cp := append([]byte(nil), frame...)
	if len(n.sent) == maxTransmitLog {
		n.sent = n.sent[1:]
	}
	n.sent = append(n.sent, cp)
	if n.cfg.OnTransmit != nil {
		n.cfg.OnTransmit(cp)
	}
	if n.cfg.Loopback {
		if g := n.defaultGroup(); g != nil {
			if err := n.receive(g, cp); err != nil {
				n.log.Debug("loopback frame dropped", "error", err)
			}
		}
	}
}

func (n *NIC) updateStats(id uint32, fn func(*hsi.CtxStats)) {
	bus, ok := n.statCtxs[id]
	if !ok {
		return
	}
	mem, err := n.cfg.Memory.Resolve(bus, hsi.Size(&hsi.CtxStats{}))
	if err != nil {
		return
	}
	s, err := hsi.LoadCtxStats(mem)
	if err != nil {
		return
	}
	fn(&s)
	hsi.StoreCtxStats(mem, s)
}

// Receive delivers a frame from the wire to the default VNIC's ring group
func (n *NIC) Receive(frame []byte) error {
	n.lock()
	defer n.unlock()
	g := n.defaultGroup()
	if g == nil {
		return ErrNoVnic
	}
	return n.receive(g, frame)
}

// ReceiveQueue delivers a frame to the i-th ring group in allocation order
func (n *NIC) ReceiveQueue(i int, frame []byte) error {
	n.lock()
	defer n.unlock()
	if i < 0 || i >= len(n.groupSeq) {
		return fmt.Errorf("sim: no ring group %d", i)
	}
	return n.receive(n.groups[n.groupSeq[i]], frame)
}

func (n *NIC) defaultGroup() *simGroup {
	var pick *simVnic
	for _, v := range n.vnics {
		if v.group == constants.InvalidID {
			continue
		}
		if pick == nil || v.dflt && !pick.dflt || v.dflt == pick.dflt && v.id < pick.id {
			pick = v
		}
	}
	if pick == nil {
		return nil
	}
	return n.groups[pick.group]
}

// receive places frame into posted buffers: the RX buffer first, then as
// many aggregation buffers as the remainder needs
func (n *NIC) receive(g *simGroup, frame []byte) error {
	if n.halted {
		return ErrHalted
	}
	rx, agg, cq := n.rings[g.rx], n.rings[g.agg], n.rings[g.cmpl]
	if rx == nil || cq == nil {
		return fmt.Errorf("sim: ring group %d is incomplete", g.id)
	}
	drop := func(err error) error {
		n.port.rx.Drops++
		n.updateStats(g.statCtx, func(s *hsi.CtxStats) { s.RxDrops++ })
		return err
	}
	if rx.pending() == 0 {
		return drop(ErrNoBuffer)
	}

	head, err := rx.bd(rx.cons)
	if err != nil {
		return drop(err)
	}
	first := min(len(frame), int(head.Len))
	rest := frame[first:]

	// plan the aggregation buffers before touching memory
	var aggBDs []hsi.BufferDescriptor
	for off, cursor := 0, uint32(0); off < len(rest); cursor++ {
		if agg == nil || cursor >= agg.pending() || len(aggBDs) == hsi.RX_CMPL_AGG_BUFS_MASK {
			return drop(ErrNoBuffer)
		}
		bd, err := agg.bd(agg.cons + cursor)
		if err != nil || bd.Len == 0 {
			return drop(ErrNoBuffer)
		}
		aggBDs = append(aggBDs, bd)
		off += int(bd.Len)
	}
	if cq.space() < uint32(1+len(aggBDs)) {
		cq.dropped++
		return drop(fmt.Errorf("sim: completion ring %d full", cq.id))
	}

	dst, err := n.cfg.Memory.Resolve(head.Addr, first)
	if err != nil {
		return drop(err)
	}
	copy(dst, frame[:first])
	cs := []hsi.Completion{{
		Type:   hsi.CMPL_BASE_TYPE_RX_L2,
		Len:    uint16(first),
		Opaque: head.Opaque,
		Info:   uint32(len(aggBDs)),
	}}
	for _, bd := range aggBDs {
		k := min(len(rest), int(bd.Len))
		dst, err := n.cfg.Memory.Resolve(bd.Addr, k)
		if err != nil {
			return drop(err)
		}
		copy(dst, rest[:k])
		rest = rest[k:]
		cs = append(cs, hsi.Completion{Type: hsi.CMPL_BASE_TYPE_RX_AGG, Len: uint16(k), Opaque: bd.Opaque})
	}

	rx.cons = (rx.cons + 1) & hsi.DB_IDX_MASK
	if agg != nil {
		agg.cons = (agg.cons + uint32(len(aggBDs))) & hsi.DB_IDX_MASK
	}
	n.post(cq, cs...)

	n.port.rx.Packets++
	n.port.rx.Bytes += uint64(len(frame))
	n.updateStats(g.statCtx, func(s *hsi.CtxStats) {
		s.RxPkts++
		s.RxBytes += uint64(len(frame))
		s.AggBufs += uint64(len(aggBDs))
	})
	return nil
}

// postAsync writes an async event to the async completion ring
func (n *NIC) postAsync(ev hsi.AsyncEvent) bool {
	return n.post(n.rings[n.asyncCQ], hsi.AsyncEventCompletion(ev, true))
}

// Overflows returns the completions dropped because a completion ring was
// full
func (n *NIC) Overflows() uint64 {
	n.lock()
	defer n.unlock()
	var total uint64
	for _, r := range n.rings {
		total += r.dropped
	}
	return total
}

// BadDoorbells returns how many producer doorbells were rejected for an
// index outside the ring or past the device consumer
func (n *NIC) BadDoorbells() uint64 {
	n.lock()
	defer n.unlock()
	return n.badDoorbells
}
