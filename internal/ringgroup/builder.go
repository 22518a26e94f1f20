// Package ringgroup builds and tears down queue sets: the statistics
// context, completion queue and data rings that hardware uses together.
//
// Every resource is bound in a fixed order and each completed step pushes
// its undo. A failed build unwinds that stack; Teardown runs the same stack,
// so teardown is always the exact reverse of setup.
package ringgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/ring"
)

// Firmware is the subset of firmware commands queue sets need.
// *hwrm.Client implements it.
type Firmware interface {
	StatCtxAlloc(ctx context.Context, bus uint64, period time.Duration) (uint32, error)
	StatCtxFree(ctx context.Context, id uint32) error
	RingAlloc(ctx context.Context, in hsi.RingAllocInput) (uint16, error)
	RingFree(ctx context.Context, typ uint8, id uint16) error
	RingGrpAlloc(ctx context.Context, cr, rr, ar uint16, sc uint32) (uint16, error)
	RingGrpFree(ctx context.Context, id uint16) error
}

// Deps are the collaborators a build needs. They are passed explicitly;
// rings never reach back into the device.
type Deps struct {
	Alloc    dma.Allocator
	FW       Firmware
	Doorbell doorbell.Writer
	Logger   *logging.Logger
	// Tracer, if set, sees every hardware bind and free
	Tracer Tracer
}

// Kind names a hardware resource in traces
type Kind string

const (
	KindStat  Kind = "stat"
	KindCmpl  Kind = "cmpl"
	KindRx    Kind = "rx"
	KindAgg   Kind = "agg"
	KindTx    Kind = "tx"
	KindGroup Kind = "group"
)

// Op is a traced action
type Op int

const (
	OpBind Op = iota
	OpFree
)

func (o Op) String() string {
	if o == OpBind {
		return "bind"
	}
	return "free"
}

// Step is one traced hardware action
type Step struct {
	Op   Op
	Kind Kind
	ID   uint32
}

// Tracer records hardware binds and frees
type Tracer interface {
	Trace(s Step)
}

// TraceFunc adapts a function to Tracer
type TraceFunc func(Step)

func (f TraceFunc) Trace(s Step) { f(s) }

// Interrupt selects how a completion queue signals new entries
type Interrupt struct {
	// Enabled arms the queue at bind time
	Enabled bool
	// Vector is the MSI-X vector firmware should raise
	Vector uint16
}

// stack is the undo log shared by every build. Hardware undos run first,
// in reverse; memory is released after.
type stack struct {
	deps    Deps
	log     *logging.Logger
	undo    []func(ctx context.Context) error
	release []func() error
}

func newStack(deps Deps) *stack {
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}
	return &stack{deps: deps, log: log}
}

func (s *stack) trace(op Op, kind Kind, id uint32) {
	if s.deps.Tracer != nil {
		s.deps.Tracer.Trace(Step{Op: op, Kind: kind, ID: id})
	}
}

func (s *stack) pushUndo(fn func(ctx context.Context) error) {
	s.undo = append(s.undo, fn)
}

func (s *stack) pushRelease(fn func() error) {
	s.release = append(s.release, fn)
}

// unwind frees hardware resources in reverse order, then memory. Every step
// runs even when an earlier one fails; the errors are joined.
func (s *stack) unwind(ctx context.Context) error {
	var errs []error
	for i := len(s.undo) - 1; i >= 0; i-- {
		if err := s.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.release) - 1; i >= 0; i-- {
		if err := s.release[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.undo = nil
	s.release = nil
	return errors.Join(errs...)
}

// region allocates DMA memory released at unwind
func (s *stack) region(size int, what string) (*dma.Region, error) {
	r, err := s.deps.Alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %s memory: %w", what, err)
	}
	s.pushRelease(func() error { return s.deps.Alloc.Free(r) })
	return r, nil
}

// ringMem allocates a descriptor ring released at unwind
func (s *stack) ringMem(size, stride int, what string) (*ring.Ring, error) {
	rg, err := ring.New(s.deps.Alloc, size, stride)
	if err != nil {
		return nil, fmt.Errorf("%s ring: %w", what, err)
	}
	s.pushRelease(rg.Release)
	return rg, nil
}

// statCtx binds a statistics block and returns its context ID
func (s *stack) statCtx(ctx context.Context, period time.Duration) (uint32, *dma.Region, error) {
	mem, err := s.region(hsi.Size(&hsi.CtxStats{}), "statistics")
	if err != nil {
		return 0, nil, err
	}
	id, err := s.deps.FW.StatCtxAlloc(ctx, mem.Bus, period)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to bind statistics context: %w", err)
	}
	s.trace(OpBind, KindStat, id)
	s.pushUndo(func(ctx context.Context) error {
		s.trace(OpFree, KindStat, id)
		if err := s.deps.FW.StatCtxFree(ctx, id); err != nil {
			return fmt.Errorf("free statistics context %d: %w", id, err)
		}
		return nil
	})
	return id, mem, nil
}

// bind registers rg with firmware and arranges for it to be freed and its
// ID cleared at unwind
func (s *stack) bind(ctx context.Context, rg *ring.Ring, kind Kind, in hsi.RingAllocInput) error {
	in.Length = uint32(rg.Size())
	in.PageTblAddr = rg.Bus()
	id, err := s.deps.FW.RingAlloc(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to bind %s ring: %w", kind, err)
	}
	rg.SetID(id)
	s.trace(OpBind, kind, uint32(id))
	s.log.WithRing(string(kind), id).Debug("ring bound", "size", rg.Size())

	typ := in.RingType
	s.pushUndo(func(ctx context.Context) error {
		s.trace(OpFree, kind, uint32(id))
		err := s.deps.FW.RingFree(ctx, typ, id)
		rg.ClearID()
		if err != nil {
			return fmt.Errorf("free %s ring %d: %w", kind, id, err)
		}
		return nil
	})
	return nil
}

// completion allocates, invalidates, binds and arms a completion queue
func (s *stack) completion(ctx context.Context, name string, size int, slot uint16, irq Interrupt) (*cq.Queue, error) {
	rg, err := s.ringMem(size, hsi.CMPL_SIZE, name)
	if err != nil {
		return nil, err
	}
	q, err := cq.New(cq.Config{
		Name:           name,
		Ring:           rg,
		Doorbell:       s.deps.Doorbell,
		DoorbellOffset: doorbellOffset(slot),
		Logger:         s.log,
	})
	if err != nil {
		return nil, err
	}
	q.MarkInvalid()

	in := hsi.RingAllocInput{
		RingType:   hsi.RING_TYPE_L2_CMPL,
		LogicalID:  slot,
		CmplRingID: constants.InvalidID,
		StatCtxID:  constants.InvalidStatCtx,
		IntMode:    hsi.RING_ALLOC_INT_MODE_POLL,
	}
	if irq.Enabled {
		in.IntMode = hsi.RING_ALLOC_INT_MODE_MSIX
		in.MsixVector = irq.Vector
	}
	if err := s.bind(ctx, rg, KindCmpl, in); err != nil {
		return nil, err
	}
	q.Rearm(irq.Enabled)
	return q, nil
}

// dataRing allocates and binds a ring that completes to cmpl
func (s *stack) dataRing(ctx context.Context, kind Kind, typ uint8, size int, slot uint16, cmpl uint16, stat uint32) (*ring.Ring, error) {
	rg, err := s.ringMem(size, hsi.BD_SIZE, string(kind))
	if err != nil {
		return nil, err
	}
	err = s.bind(ctx, rg, kind, hsi.RingAllocInput{
		RingType:   typ,
		LogicalID:  slot,
		CmplRingID: cmpl,
		StatCtxID:  stat,
	})
	if err != nil {
		return nil, err
	}
	return rg, nil
}

func doorbellOffset(slot uint16) uint32 {
	return doorbell.TargetFor(int(slot), 0).Offset
}

// readStats reads a statistics block firmware maintains
func readStats(mem *dma.Region) (hsi.CtxStats, error) {
	if mem == nil {
		return hsi.CtxStats{}, errors.New("statistics context not allocated")
	}
	return hsi.LoadCtxStats(mem.Virt)
}
