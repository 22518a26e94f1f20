package ringgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/dataring"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

// SlotsPerGroup is the number of doorbell slots a Group uses: CQ, RX, AGG
const SlotsPerGroup = 3

// Spec describes an RX queue set
type Spec struct {
	Index      int
	CmplSize   int
	RxSize     int
	AggSize    int
	RxBufSize  int
	AggBufSize int
	// DoorbellSlot is the first of SlotsPerGroup consecutive doorbell slots
	DoorbellSlot uint16
	Interrupt    Interrupt
	StatsPeriod  time.Duration
	Receiver     dataring.Receiver
}

func (s *Spec) setDefaults() {
	if s.CmplSize == 0 {
		s.CmplSize = constants.DefaultCmplRingSize
	}
	if s.RxSize == 0 {
		s.RxSize = constants.DefaultRxRingSize
	}
	if s.AggSize == 0 {
		s.AggSize = constants.DefaultAggRingSize
	}
	if s.RxBufSize == 0 {
		s.RxBufSize = constants.DefaultRxBufferSize
	}
	if s.AggBufSize == 0 {
		s.AggBufSize = constants.DefaultAggBufferSize
	}
	if s.StatsPeriod == 0 {
		s.StatsPeriod = time.Second
	}
}

// Group is a bound RX queue set: statistics context, completion queue, RX
// ring, aggregation ring and the ring group tying them together.
type Group struct {
	index   int
	id      uint16
	statCtx uint32
	stats   *dma.Region
	cq      *cq.Queue
	rx      *dataring.Rx
	st      *stack
	ready   bool
}

// Build binds an RX queue set in order: statistics context, completion
// queue, RX ring, aggregation ring, ring group. On failure everything bound
// so far is freed in reverse and nil is returned.
func Build(ctx context.Context, deps Deps, spec Spec) (*Group, error) {
	spec.setDefaults()
	st := newStack(deps)
	g, err := build(ctx, st, spec)
	if err != nil {
		if uerr := st.unwind(ctx); uerr != nil {
			st.log.Warn("rollback after failed queue set build was incomplete", "queue", spec.Index, "error", uerr)
		}
		return nil, fmt.Errorf("queue set %d: %w", spec.Index, err)
	}
	return g, nil
}

func build(ctx context.Context, st *stack, spec Spec) (*Group, error) {
	g := &Group{index: spec.Index, id: constants.InvalidID, statCtx: constants.InvalidStatCtx, st: st}
	log := st.log.WithQueue(spec.Index)

	statID, stats, err := st.statCtx(ctx, spec.StatsPeriod)
	if err != nil {
		return nil, err
	}
	g.statCtx, g.stats = statID, stats

	slot := spec.DoorbellSlot
	g.cq, err = st.completion(ctx, fmt.Sprintf("rx%d", spec.Index), spec.CmplSize, slot, spec.Interrupt)
	if err != nil {
		return nil, err
	}
	cmplID := g.cq.Ring().ID()

	rxPool, err := dataring.NewPool(st.deps.Alloc, spec.RxSize, spec.RxBufSize)
	if err != nil {
		return nil, err
	}
	st.pushRelease(rxPool.Release)
	rxRing, err := st.dataRing(ctx, KindRx, hsi.RING_TYPE_RX, spec.RxSize, slot+1, cmplID, statID)
	if err != nil {
		return nil, err
	}

	aggPool, err := dataring.NewPool(st.deps.Alloc, spec.AggSize, spec.AggBufSize)
	if err != nil {
		return nil, err
	}
	st.pushRelease(aggPool.Release)
	aggRing, err := st.dataRing(ctx, KindAgg, hsi.RING_TYPE_RX_AGG, spec.AggSize, slot+2, cmplID, statID)
	if err != nil {
		return nil, err
	}

	g.rx, err = dataring.NewRx(dataring.RxConfig{
		Ring:              rxRing,
		Pool:              rxPool,
		AggRing:           aggRing,
		AggPool:           aggPool,
		Doorbell:          st.deps.Doorbell,
		DoorbellOffset:    doorbellOffset(slot + 1),
		AggDoorbellOffset: doorbellOffset(slot + 2),
		Receiver:          spec.Receiver,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}
	st.pushRelease(func() error {
		g.rx.Reclaim()
		return nil
	})

	grp, err := st.deps.FW.RingGrpAlloc(ctx, cmplID, rxRing.ID(), aggRing.ID(), statID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind ring group: %w", err)
	}
	g.id = grp
	st.trace(OpBind, KindGroup, uint32(grp))
	st.pushUndo(func(ctx context.Context) error {
		st.trace(OpFree, KindGroup, uint32(grp))
		err := st.deps.FW.RingGrpFree(ctx, grp)
		g.id = constants.InvalidID
		if err != nil {
			return fmt.Errorf("free ring group %d: %w", grp, err)
		}
		return nil
	})

	g.rx.Fill()
	g.ready = true
	log.Debug("queue set ready", "group", grp, "cmpl", cmplID, "rx", rxRing.ID(), "agg", aggRing.ID(), "stat_ctx", statID)
	return g, nil
}

// Teardown stops the RX rings, frees every hardware resource in the exact
// reverse of Build and then releases memory. It is best effort: every step
// runs and the errors are joined. Hardware IDs read as unassigned afterwards.
func (g *Group) Teardown(ctx context.Context) error {
	if g.st == nil {
		return errors.New("queue set already torn down")
	}
	g.ready = false
	g.rx.Stop()
	err := g.st.unwind(ctx)
	g.statCtx = constants.InvalidStatCtx
	g.stats = nil
	g.st = nil
	return err
}

func (g *Group) Index() int { return g.index }

// ID returns the ring group ID, or constants.InvalidID when unbound
func (g *Group) ID() uint16 { return g.id }

// StatCtx returns the statistics context ID
func (g *Group) StatCtx() uint32 { return g.statCtx }

func (g *Group) CQ() *cq.Queue { return g.cq }

func (g *Group) Rx() *dataring.Rx { return g.rx }

// Ready reports whether every member is bound
func (g *Group) Ready() bool { return g.ready }

// Stats reads the statistics block firmware maintains for the group
func (g *Group) Stats() (hsi.CtxStats, error) {
	return readStats(g.stats)
}
