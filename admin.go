package bnxt

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

// PortStats are the port counters firmware reports through PORT_QSTATS
type PortStats = hsi.PortStats

// stallTracker follows one TX ring's completion progress across ticks
type stallTracker struct {
	completed uint64
	ticks     int
}

// admin is the periodic status worker
func (d *Device) admin(ctx context.Context) error {
	t := time.NewTicker(d.params.AdminInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		d.adminTick(ctx)
	}
}

// adminTick refreshes the port counters, re-queries the link if an event
// flagged it and looks for stalled TX rings. Failures are logged and
// retried on the next tick.
func (d *Device) adminTick(ctx context.Context) {
	d.mu.RLock()
	state, dp, port := d.state, d.dp, d.caps.PortID
	d.mu.RUnlock()
	if state != DeviceStateUp || dp == nil {
		return
	}

	size := hsi.Size(&hsi.PortStats{})
	if err := d.fw.PortQstats(ctx, port, d.portStats.At(0), d.portStats.At(size)); err != nil {
		d.adminWarn.Warn("port statistics query failed", "error", err)
	} else {
		tx, terr := hsi.LoadPortStats(d.portStats.Virt[:size])
		rx, rerr := hsi.LoadPortStats(d.portStats.Virt[size : 2*size])
		if terr == nil && rerr == nil {
			d.mu.Lock()
			d.port = [2]hsi.PortStats{tx, rx}
			d.mu.Unlock()
		}
	}

	d.refreshLink(ctx)
	d.checkStalls(dp)
}

// refreshLink re-queries PORT_PHY_QCFG when the link-change flag is set
func (d *Device) refreshLink(ctx context.Context) {
	if !d.linkDirty.Swap(false) {
		return
	}
	d.mu.RLock()
	state, port := d.state, d.caps.PortID
	d.mu.RUnlock()
	if state != DeviceStateUp {
		d.linkDirty.Store(true)
		return
	}

	link, err := d.fw.PortPhyQcfg(ctx, port)
	if err != nil {
		d.linkDirty.Store(true)
		d.adminWarn.Warn("link query failed", "error", err)
		return
	}
	d.mu.Lock()
	old := d.link
	d.link = link
	d.mu.Unlock()
	if old != link {
		d.logger.Info("link state changed", "up", link.Up, "speed_mbps", link.SpeedMbps, "full_duplex", link.FullDup)
	}
}

// checkStalls triggers recovery for a TX ring that holds work without any
// completion progress for StallTicks ticks
func (d *Device) checkStalls(dp *dataplane) {
	if d.stallsFor != dp {
		d.stallsFor = dp
		d.stalls = make([]stallTracker, len(dp.txs))
	}
	for i, t := range dp.txs {
		tx := t.Tx()
		done := tx.Stats().Completed
		pending := tx.Pending()
		s := &d.stalls[i]
		if pending == 0 || done != s.completed {
			s.completed, s.ticks = done, 0
			continue
		}
		s.ticks++
		if s.ticks == d.params.StallTicks {
			d.logger.Warn("tx ring stalled", "queue", i, "pending", pending, "ticks", s.ticks)
			d.observer.ObserveStall(i)
			d.tasks.Enqueue(taskRecover, d.recover)
		}
	}
}

// PortStats returns the port counters from the last admin tick
func (d *Device) PortStats() (tx, rx PortStats) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.port[0], d.port[1]
}
