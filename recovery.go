package bnxt

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

const (
	taskRecover = "recover"
	taskLink    = "link"
)

// async event handlers: they run inside the default queue's drain loop and
// only record state or enqueue deferred work

func (d *Device) onLinkChange(hsi.AsyncEvent) {
	d.linkDirty.Store(true)
	d.tasks.Enqueue(taskLink, d.refreshLink)
}

// onConfigChange covers MTU, speed and PHY configuration changes, all of
// which show up in the link query
func (d *Device) onConfigChange(hsi.AsyncEvent) {
	d.linkDirty.Store(true)
	d.tasks.Enqueue(taskLink, d.refreshLink)
}

func (d *Device) onFatal(hsi.AsyncEvent) {
	d.tasks.Enqueue(taskRecover, d.recover)
}

// Recover schedules a full reset and re-attach, as a fatal firmware event
// does. It returns false if recovery is already pending.
func (d *Device) Recover() bool {
	return d.tasks.Enqueue(taskRecover, d.recover)
}

// recover runs on the task worker. It stops every producer ring, drops
// queued TX frames, tears the dataplane down, resets the function and
// re-runs the attach sequence with exponential backoff. Data moves again
// only once every resource has been re-allocated.
func (d *Device) recover(ctx context.Context) {
	d.mu.Lock()
	if d.state != DeviceStateUp {
		d.mu.Unlock()
		return
	}
	d.state = DeviceStateRecovering
	dp := d.dp
	d.dp = nil
	d.mu.Unlock()

	start := time.Now()
	d.logger.Warn("starting recovery")
	d.observer.ObserveRecovery(RecoveryStarted, nil)

	if dp != nil {
		dp.stopProducers()
		d.stopDataplane(dp)
		dropped := 0
		for _, t := range dp.txs {
			dropped += t.Tx().Flush()
		}
		// firmware is usually gone, so most of these fail
		if err := d.teardown(ctx, dp); err != nil {
			d.logger.Debug("teardown during recovery was incomplete", "error", err)
		}
		d.logger.Info("dataplane released", "tx_dropped", dropped)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.params.RecoveryInitialBackoff
	b.MaxInterval = max(d.params.RecoveryInitialBackoff, d.params.RecoveryMaxElapsed/4)
	b.MaxElapsedTime = d.params.RecoveryMaxElapsed
	b.Reset()

	attempts := 0
	var next *dataplane
	op := func() error {
		attempts++
		if err := d.fw.FuncReset(ctx); err != nil {
			return fmt.Errorf("function reset: %w", err)
		}
		var err error
		next, err = d.bringUp(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.WithError(err).Warn("re-attach failed", "attempt", attempts, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		e := WrapError("RECOVER", err)
		e.Device = d.name
		e.Code = ErrCodeRecoveryFailed
		d.mu.Lock()
		d.state = DeviceStateFailed
		d.lastErr = e
		d.mu.Unlock()
		d.observer.ObserveRecovery(RecoveryFailed, e)
		d.logger.WithError(err).Error("recovery failed", "attempts", attempts, "elapsed", time.Since(start))
		return
	}

	d.mu.Lock()
	d.dp = next
	d.state = DeviceStateUp
	d.lastErr = nil
	d.mu.Unlock()
	d.startDataplane(next)

	d.observer.ObserveRecovery(RecoverySucceeded, nil)
	d.logger.Info("recovery complete", "attempts", attempts, "elapsed", time.Since(start))
}
