package bnxt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-bnxt/internal/async"
	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/hwrm"
	"github.com/ehrlich-b/go-bnxt/internal/intr"
	"github.com/ehrlich-b/go-bnxt/internal/queue"
	"github.com/ehrlich-b/go-bnxt/internal/ringgroup"
)

// dataplane is everything attach binds and recovery rebuilds. Runner i
// services interrupt vector i: the default completion queue first, then
// the RX queue sets, then the TX sets.
type dataplane struct {
	registered bool
	dflt       *ringgroup.Default
	groups     []*ringgroup.Group
	txs        []*ringgroup.TxSet
	vnic       uint16

	runners []*queue.Runner
	handles []intr.Handle
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

// bringUp runs the attach sequence against firmware. On failure whatever
// was bound is torn down before returning.
func (d *Device) bringUp(ctx context.Context) (*dataplane, error) {
	dp := &dataplane{vnic: constants.InvalidID}
	if err := d.bind(ctx, dp); err != nil {
		if terr := d.teardown(ctx, dp); terr != nil {
			d.logger.Warn("rollback after failed bring-up was incomplete", "error", terr)
		}
		return nil, err
	}
	return dp, nil
}

func (d *Device) bind(ctx context.Context, dp *dataplane) error {
	p := d.params

	ver, err := d.fw.VerGet(ctx)
	if err != nil {
		return fmt.Errorf("failed to query firmware version: %w", err)
	}
	// the inline limit never exceeds what firmware accepts; the timeout
	// never drops below what firmware asks for
	d.ch.SetLimits(min(ver.MaxReqLen, p.MaxInlineRequest), max(ver.DefaultTimeout, p.CommandTimeout))

	caps, err := d.fw.FuncQcaps(ctx)
	if err != nil {
		return fmt.Errorf("failed to query function capabilities: %w", err)
	}
	rx, tx, err := clampQueues(p.RxQueues, p.TxQueues, caps)
	if err != nil {
		return err
	}
	if rx != p.RxQueues || tx != p.TxQueues {
		d.logger.Warn("queue counts clamped to firmware limits",
			"rx_requested", p.RxQueues, "rx", rx, "tx_requested", p.TxQueues, "tx", tx)
	}
	d.mu.Lock()
	d.version, d.caps = ver, caps
	d.mu.Unlock()

	if err := d.fw.FuncDrvRgtr(ctx, async.Events()); err != nil {
		return fmt.Errorf("failed to register driver: %w", err)
	}
	dp.registered = true

	deps := ringgroup.Deps{Alloc: d.hw.Alloc, FW: d.fw, Doorbell: d.db, Logger: d.logger}
	vector := 0
	irq := func() ringgroup.Interrupt {
		v := ringgroup.Interrupt{Enabled: p.Interrupts, Vector: uint16(vector)}
		vector++
		return v
	}

	dp.dflt, err = ringgroup.BuildDefault(ctx, deps, ringgroup.DefaultSpec{
		Size:         p.DefCmplRingSize,
		DoorbellSlot: 0,
		Interrupt:    irq(),
	})
	if err != nil {
		return err
	}

	slot := uint16(1)
	for i := 0; i < rx; i++ {
		g, err := ringgroup.Build(ctx, deps, ringgroup.Spec{
			Index:        i,
			CmplSize:     p.CmplRingSize,
			RxSize:       p.RxRingSize,
			AggSize:      p.AggRingSize,
			RxBufSize:    p.RxBufferSize,
			AggBufSize:   p.AggBufferSize,
			DoorbellSlot: slot,
			Interrupt:    irq(),
			StatsPeriod:  p.StatsPeriod,
			Receiver:     func(frame []byte) { d.deliver(i, frame) },
		})
		if err != nil {
			return err
		}
		dp.groups = append(dp.groups, g)
		slot += ringgroup.SlotsPerGroup
	}

	for i := 0; i < tx; i++ {
		t, err := ringgroup.BuildTx(ctx, deps, ringgroup.TxSpec{
			Index:        i,
			CmplSize:     p.CmplRingSize,
			TxSize:       p.TxRingSize,
			BufSize:      p.MTU + constants.L2Overhead,
			DoorbellSlot: slot,
			Interrupt:    irq(),
			StatsPeriod:  p.StatsPeriod,
		})
		if err != nil {
			return err
		}
		dp.txs = append(dp.txs, t)
		slot += ringgroup.SlotsPerTxSet
	}

	dp.vnic, err = d.fw.VnicAlloc(ctx, true)
	if err != nil {
		dp.vnic = constants.InvalidID
		return fmt.Errorf("failed to allocate vnic: %w", err)
	}
	if err := d.fw.VnicCfg(ctx, dp.vnic, dp.groups[0].ID(), p.MTU+constants.L2Overhead); err != nil {
		return fmt.Errorf("failed to configure vnic %d: %w", dp.vnic, err)
	}

	link, err := d.fw.PortPhyQcfg(ctx, caps.PortID)
	if err != nil {
		// not fatal: the admin timer retries
		d.logger.Warn("failed to query link state", "error", err)
		d.linkDirty.Store(true)
	} else {
		d.mu.Lock()
		d.link = link
		d.mu.Unlock()
	}

	return d.wire(dp)
}

// clampQueues fits the requested queue counts into the function's limits.
// Every queue set takes one completion ring and one statistics context;
// the default completion queue takes one more completion ring.
func clampQueues(rx, tx int, caps hwrm.Caps) (int, int, error) {
	rx = min(rx, caps.MaxRxRings, caps.MaxRingGrps)
	tx = min(tx, caps.MaxTxRings)
	fits := func() bool {
		return rx+tx <= caps.MaxStatCtx && rx+tx+1 <= caps.MaxCmplRings
	}
	for !fits() && (rx > 1 || tx > 1) {
		if tx >= rx {
			tx--
		} else {
			rx--
		}
	}
	if rx < 1 || tx < 1 || caps.MaxVnics < 1 || !fits() {
		return 0, 0, NewError("ATTACH", ErrCodeNotSupported, fmt.Sprintf(
			"function resources too small for one rx and one tx queue (rx %d, tx %d, cmpl %d, stat %d, grp %d, vnic %d)",
			caps.MaxRxRings, caps.MaxTxRings, caps.MaxCmplRings, caps.MaxStatCtx, caps.MaxRingGrps, caps.MaxVnics))
	}
	return rx, tx, nil
}

// wire creates one runner per completion queue and, in interrupt mode,
// registers its vector
func (d *Device) wire(dp *dataplane) error {
	p := d.params
	add := func(name string, q *cq.Queue, disp cq.Dispatcher, replenish func()) error {
		var lastMalformed uint64
		r, err := queue.NewRunner(queue.Config{
			Name:       name,
			CQ:         q,
			Dispatcher: disp,
			Replenish:  replenish,
			OnPass: func(n int) {
				m := q.Malformed()
				if n > 0 || m != lastMalformed {
					d.observer.ObserveCompletions(uint64(n), m-lastMalformed)
				}
				lastMalformed = m
			},
			Budget:       p.DrainBudget,
			PollInterval: d.pollInterval(),
			Logger:       d.logger,
		})
		if err != nil {
			return err
		}
		vector := len(dp.runners)
		dp.runners = append(dp.runners, r)
		if p.Interrupts {
			h, err := d.hw.Interrupts.Register(vector, r.Interrupt)
			if err != nil {
				return fmt.Errorf("failed to register vector %d for %s: %w", vector, name, err)
			}
			dp.handles = append(dp.handles, h)
		}
		return nil
	}

	def := cq.NewMux().
		Handle(hsi.CMPL_BASE_TYPE_HWRM_DONE, func(_ *cq.Queue, c hsi.Completion) error {
			d.ch.Complete(uint16(c.Opaque))
			return nil
		}).
		Handle(hsi.CMPL_BASE_TYPE_HWRM_ASYNC_EVENT, func(_ *cq.Queue, c hsi.Completion) error {
			d.observer.ObserveEvent(d.sink.Dispatch(hsi.AsyncEventFrom(c)))
			return nil
		})
	if err := add("default", dp.dflt.CQ(), def, nil); err != nil {
		return err
	}

	for _, g := range dp.groups {
		rx := g.Rx()
		mux := cq.NewMux().
			Handle(hsi.CMPL_BASE_TYPE_RX_L2, rx.HandleRx).
			Handle(hsi.CMPL_BASE_TYPE_RX_AGG, rx.HandleAgg)
		if err := add(fmt.Sprintf("rx%d", g.Index()), g.CQ(), mux, rx.Kick); err != nil {
			return err
		}
	}

	for _, t := range dp.txs {
		tx := t.Tx()
		mux := cq.NewMux().
			Handle(hsi.CMPL_BASE_TYPE_TX_L2, func(_ *cq.Queue, c hsi.Completion) error {
				return tx.Complete(c)
			})
		if err := add(fmt.Sprintf("tx%d", t.Index()), t.CQ(), mux, nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) pollInterval() time.Duration {
	if d.params.Interrupts {
		return 0
	}
	return d.params.PollInterval
}

// startDataplane starts one worker per completion queue
func (d *Device) startDataplane(dp *dataplane) {
	ctx, cancel := context.WithCancel(d.ctx)
	eg, egctx := errgroup.WithContext(ctx)
	dp.cancel, dp.eg = cancel, eg
	for _, r := range dp.runners {
		eg.Go(func() error { return r.Run(egctx) })
	}
}

// stopDataplane unregisters the vectors and waits for the workers. The
// completion queues are left masked.
func (d *Device) stopDataplane(dp *dataplane) {
	for _, h := range dp.handles {
		if err := h.Unregister(); err != nil {
			d.logger.Warn("failed to unregister interrupt vector", "vector", h.Vector(), "error", err)
		}
	}
	dp.handles = nil
	if dp.cancel != nil {
		dp.cancel()
		if err := dp.eg.Wait(); err != nil {
			d.logger.Warn("completion worker failed", "error", err)
		}
		dp.cancel = nil
	}
}

// stopProducers stops every RX and TX ring so nothing new reaches hardware
func (dp *dataplane) stopProducers() {
	for _, t := range dp.txs {
		t.Tx().Stop()
	}
	for _, g := range dp.groups {
		g.Rx().Stop()
	}
}

// teardown frees everything bind allocated in the exact reverse order. It
// is best effort: every step runs and the errors are joined.
func (d *Device) teardown(ctx context.Context, dp *dataplane) error {
	d.stopDataplane(dp)
	dp.runners = nil

	var errs []error
	if dp.vnic != constants.InvalidID {
		if err := d.fw.VnicFree(ctx, dp.vnic); err != nil {
			errs = append(errs, fmt.Errorf("free vnic %d: %w", dp.vnic, err))
		}
		dp.vnic = constants.InvalidID
	}
	for i := len(dp.txs) - 1; i >= 0; i-- {
		if err := dp.txs[i].Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(dp.groups) - 1; i >= 0; i-- {
		if err := dp.groups[i].Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if dp.dflt != nil {
		if err := dp.dflt.Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
		dp.dflt = nil
	}
	if dp.registered {
		if err := d.fw.FuncDrvUnrgtr(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unregister driver: %w", err))
		}
		dp.registered = false
	}
	return errors.Join(errs...)
}
