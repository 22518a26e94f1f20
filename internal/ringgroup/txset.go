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

// SlotsPerTxSet is the number of doorbell slots a TxSet uses: CQ, TX
const SlotsPerTxSet = 2

// TxSpec describes a TX queue set
type TxSpec struct {
	Index    int
	CmplSize int
	TxSize   int
	BufSize  int
	// DoorbellSlot is the first of SlotsPerTxSet consecutive doorbell slots
	DoorbellSlot uint16
	Interrupt    Interrupt
	StatsPeriod  time.Duration
}

func (s *TxSpec) setDefaults() {
	if s.CmplSize == 0 {
		s.CmplSize = constants.DefaultTxRingSize
	}
	if s.TxSize == 0 {
		s.TxSize = constants.DefaultTxRingSize
	}
	if s.BufSize == 0 {
		s.BufSize = constants.DefaultRxBufferSize
	}
	if s.StatsPeriod == 0 {
		s.StatsPeriod = time.Second
	}
}

// TxSet is a bound TX queue set: statistics context, TX completion queue
// and TX ring
type TxSet struct {
	index   int
	statCtx uint32
	stats   *dma.Region
	cq      *cq.Queue
	tx      *dataring.Tx
	st      *stack
	ready   bool
}

// BuildTx binds a TX queue set in order: statistics context, completion
// queue, TX ring. On failure everything bound so far is freed in reverse.
func BuildTx(ctx context.Context, deps Deps, spec TxSpec) (*TxSet, error) {
	spec.setDefaults()
	st := newStack(deps)
	t, err := buildTx(ctx, st, spec)
	if err != nil {
		if uerr := st.unwind(ctx); uerr != nil {
			st.log.Warn("rollback after failed tx set build was incomplete", "queue", spec.Index, "error", uerr)
		}
		return nil, fmt.Errorf("tx set %d: %w", spec.Index, err)
	}
	return t, nil
}

func buildTx(ctx context.Context, st *stack, spec TxSpec) (*TxSet, error) {
	t := &TxSet{index: spec.Index, statCtx: constants.InvalidStatCtx, st: st}

	statID, stats, err := st.statCtx(ctx, spec.StatsPeriod)
	if err != nil {
		return nil, err
	}
	t.statCtx, t.stats = statID, stats

	slot := spec.DoorbellSlot
	t.cq, err = st.completion(ctx, fmt.Sprintf("tx%d", spec.Index), spec.CmplSize, slot, spec.Interrupt)
	if err != nil {
		return nil, err
	}

	pool, err := dataring.NewPool(st.deps.Alloc, spec.TxSize, spec.BufSize)
	if err != nil {
		return nil, err
	}
	st.pushRelease(pool.Release)
	txRing, err := st.dataRing(ctx, KindTx, hsi.RING_TYPE_TX, spec.TxSize, slot+1, t.cq.Ring().ID(), statID)
	if err != nil {
		return nil, err
	}

	t.tx, err = dataring.NewTx(dataring.TxConfig{
		Ring:           txRing,
		Pool:           pool,
		Doorbell:       st.deps.Doorbell,
		DoorbellOffset: doorbellOffset(slot + 1),
		Logger:         st.log.WithQueue(spec.Index),
	})
	if err != nil {
		return nil, err
	}
	st.pushRelease(func() error {
		t.tx.Flush()
		return nil
	})

	t.ready = true
	return t, nil
}

// Teardown stops the TX ring, drops queued frames, frees the hardware
// resources in reverse and releases memory
func (t *TxSet) Teardown(ctx context.Context) error {
	if t.st == nil {
		return errors.New("tx set already torn down")
	}
	t.ready = false
	t.tx.Stop()
	err := t.st.unwind(ctx)
	t.statCtx = constants.InvalidStatCtx
	t.stats = nil
	t.st = nil
	return err
}

func (t *TxSet) Index() int { return t.index }

func (t *TxSet) StatCtx() uint32 { return t.statCtx }

func (t *TxSet) CQ() *cq.Queue { return t.cq }

func (t *TxSet) Tx() *dataring.Tx { return t.tx }

func (t *TxSet) Ready() bool { return t.ready }

// Stats reads the statistics block firmware maintains for the set
func (t *TxSet) Stats() (hsi.CtxStats, error) {
	return readStats(t.stats)
}

// DefaultSpec describes the device-wide completion queue that carries
// firmware command completions and async events
type DefaultSpec struct {
	Size         int
	DoorbellSlot uint16
	Interrupt    Interrupt
}

// Default is the device-wide completion queue
type Default struct {
	cq *cq.Queue
	st *stack
}

// BuildDefault binds the default completion queue
func BuildDefault(ctx context.Context, deps Deps, spec DefaultSpec) (*Default, error) {
	if spec.Size == 0 {
		spec.Size = constants.DefaultDefCmplRingSize
	}
	st := newStack(deps)
	q, err := st.completion(ctx, "default", spec.Size, spec.DoorbellSlot, spec.Interrupt)
	if err != nil {
		if uerr := st.unwind(ctx); uerr != nil {
			st.log.Warn("rollback of default completion queue was incomplete", "error", uerr)
		}
		return nil, fmt.Errorf("default completion queue: %w", err)
	}
	return &Default{cq: q, st: st}, nil
}

func (d *Default) CQ() *cq.Queue { return d.cq }

// Teardown frees the queue
func (d *Default) Teardown(ctx context.Context) error {
	if d.st == nil {
		return errors.New("default completion queue already torn down")
	}
	err := d.st.unwind(ctx)
	d.st = nil
	return err
}
