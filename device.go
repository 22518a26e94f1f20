// Package bnxt drives the ring engine of a bnxt-class NIC function: the
// firmware command channel, completion queues, TX and RX data rings, async
// firmware events and recovery from fatal errors.
//
// A Device is attached to Hardware: a register window, a DMA allocator and,
// in interrupt mode, an interrupt registrar. Tests and the bnxt-sim demo use
// NewSimulatedHardware.
package bnxt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-bnxt/internal/async"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/hwrm"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/registry"
	"github.com/ehrlich-b/go-bnxt/internal/taskq"
)

// Hardware is what the engine needs from the platform
type Hardware struct {
	// Regs is the function's register window (BAR)
	Regs Registers

	// Alloc provides DMA-able memory for rings, buffers and command buffers
	Alloc DMAAllocator

	// Interrupts delivers MSI-X vectors. Required when
	// DeviceParams.Interrupts is set.
	Interrupts InterruptRegistrar
}

// Receiver gets every received frame together with the RX queue it arrived
// on. It runs on that queue's worker goroutine; frame is only valid during
// the call.
type Receiver func(queue int, frame []byte)

// Registry tracks attached devices by name and PCI address
type Registry = registry.Registry[*Device]

// NewRegistry returns an empty device registry
func NewRegistry() *Registry {
	return registry.New[*Device]()
}

// Options contains additional options for attaching a device
type Options struct {
	// Context bounds the device's lifetime (if nil, uses context.Background())
	Context context.Context

	// Logger for engine messages (if nil, uses the default logger)
	Logger *Logger

	// Observer sees transmit, receive, command, event and recovery activity
	// in addition to the device's own Metrics (if nil, only Metrics)
	Observer Observer

	// Registry, if set, gets the device registered under its name for as
	// long as it is attached
	Registry *Registry

	// Receiver gets received frames; it can also be set later with
	// SetReceiver
	Receiver Receiver
}

// DeviceState is the lifecycle state of a device
type DeviceState string

const (
	// DeviceStateDown indicates the device is not attached
	DeviceStateDown DeviceState = "down"
	// DeviceStateAttaching indicates attach is binding resources
	DeviceStateAttaching DeviceState = "attaching"
	// DeviceStateUp indicates the device is passing traffic
	DeviceStateUp DeviceState = "up"
	// DeviceStateRecovering indicates a fatal error is being recovered from
	DeviceStateRecovering DeviceState = "recovering"
	// DeviceStateFailed indicates recovery gave up; only Detach is useful
	DeviceStateFailed DeviceState = "failed"
)

// Device is an attached NIC function
type Device struct {
	name    string
	pciAddr string
	params  DeviceParams
	hw      Hardware

	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
	registry *registry.Registry[*Device]
	receiver atomic.Pointer[Receiver]

	db    doorbell.Writer
	ch    *hwrm.Channel
	fw    *hwrm.Client
	sink  *async.Sink
	tasks *taskq.Queue

	// portStats holds the TX and RX port counter blocks PORT_QSTATS fills
	portStats *dma.Region

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	linkDirty atomic.Bool

	mu      sync.RWMutex
	state   DeviceState
	dp      *dataplane
	version hwrm.VersionInfo
	caps    hwrm.Caps
	link    hwrm.LinkInfo
	port    [2]hsi.PortStats
	lastErr error

	// owned by whoever runs adminTick
	adminWarn *logging.Limited
	stalls    []stallTracker
	stallsFor *dataplane

	detachOnce sync.Once
	detachErr  error
}

// Attach brings a NIC function up: it opens the command channel, queries
// the firmware, binds the default completion queue, the RX queue sets, the
// TX sets and the VNIC, and starts the per-queue workers. On failure every
// resource bound so far is released and nothing is left bound.
//
// Example:
//
//	sim, _ := bnxt.NewSimulatedHardware(bnxt.GenerationP5)
//	params := bnxt.DefaultParams()
//	device, err := bnxt.Attach(ctx, sim.Hardware(), params, nil)
func Attach(ctx context.Context, hw Hardware, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	lifetime := options.Context
	if lifetime == nil {
		lifetime = context.Background()
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}
	if hw.Regs == nil || hw.Alloc == nil {
		return nil, NewDeviceError("ATTACH", params.Name, ErrCodeInvalidParameters, "register window and DMA allocator are required")
	}
	if params.Interrupts && hw.Interrupts == nil {
		return nil, NewDeviceError("ATTACH", params.Name, ErrCodeInvalidParameters, "interrupt mode needs an interrupt registrar")
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithDevice(params.Name)

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = teeObserver{observer, options.Observer}
	}

	db, err := doorbell.New(params.Generation, hw.Regs)
	if err != nil {
		return nil, attachError(params.Name, err)
	}
	ch, err := hwrm.NewChannel(hwrm.Config{
		Alloc:     hw.Alloc,
		Notifier:  hwrm.NewNotifier(params.Generation, hw.Regs),
		Timeout:   params.CommandTimeout,
		MaxInline: params.MaxInlineRequest,
		Logger:    logger,
		Observer:  observer,
	})
	if err != nil {
		return nil, attachError(params.Name, err)
	}

	d := &Device{
		name:     params.Name,
		pciAddr:  params.PCIAddr,
		params:   params,
		hw:       hw,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		registry: options.Registry,
		db:       db,
		ch:       ch,
		fw:       hwrm.NewClient(ch),
		tasks:    taskq.New(logger.With("component", "taskq")),
		state:    DeviceStateAttaching,
	}
	d.adminWarn = logging.NewLimited(logger, 10*params.AdminInterval)
	d.sink = async.NewSink(async.Handlers{
		LinkChanged:   d.onLinkChange,
		Fatal:         d.onFatal,
		ConfigChanged: d.onConfigChange,
	}, logger)
	if options.Receiver != nil {
		d.SetReceiver(options.Receiver)
	}
	d.ctx, d.cancel = context.WithCancel(lifetime)

	d.portStats, err = hw.Alloc.Alloc(2 * hsi.Size(&hsi.PortStats{}))
	if err != nil {
		d.abort()
		return nil, attachError(params.Name, fmt.Errorf("failed to allocate port statistics: %w", err))
	}

	dp, err := d.bringUp(ctx)
	if err != nil {
		d.abort()
		return nil, attachError(params.Name, err)
	}

	if d.registry != nil {
		if err := d.registry.Register(d); err != nil {
			d.stopDataplane(dp)
			if terr := d.teardown(ctx, dp); terr != nil {
				logger.Warn("teardown after failed registration was incomplete", "error", terr)
			}
			d.abort()
			return nil, attachError(params.Name, err)
		}
	}

	eg, egctx := errgroup.WithContext(d.ctx)
	d.eg = eg
	eg.Go(func() error { return d.tasks.Run(egctx) })
	eg.Go(func() error { return d.admin(egctx) })

	d.mu.Lock()
	d.dp = dp
	d.state = DeviceStateUp
	d.mu.Unlock()
	d.startDataplane(dp)

	logger.Info("device attached",
		"generation", params.Generation,
		"firmware", d.version.Firmware,
		"rx_queues", len(dp.groups),
		"tx_queues", len(dp.txs),
		"interrupts", params.Interrupts)
	return d, nil
}

func attachError(name string, err error) *Error {
	e := WrapError("ATTACH", err)
	e.Device = name
	return e
}

// abort releases what Attach allocated before the dataplane existed
func (d *Device) abort() {
	d.cancel()
	if d.portStats != nil {
		d.hw.Alloc.Free(d.portStats)
		d.portStats = nil
	}
	if err := d.ch.Close(); err != nil {
		d.logger.Warn("failed to close command channel", "error", err)
	}
	d.metrics.Stop()
	d.setState(DeviceStateDown)
}

// Detach stops the workers, frees every hardware resource in the reverse of
// attach order and releases all memory. Teardown is best effort: every step
// runs and the errors are joined. Calling Detach again returns the first
// result.
func (d *Device) Detach(ctx context.Context) error {
	if d == nil {
		return ErrInvalidParameters
	}
	d.detachOnce.Do(func() {
		d.detachErr = d.detach(ctx)
	})
	return d.detachErr
}

func (d *Device) detach(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.registry != nil {
		d.registry.Unregister(d.name)
	}

	// the task worker finishes a running recovery before it returns
	d.cancel()
	d.eg.Wait()

	d.mu.Lock()
	dp := d.dp
	d.dp = nil
	d.state = DeviceStateDown
	d.mu.Unlock()

	var errs []error
	if dp != nil {
		dp.stopProducers()
		d.stopDataplane(dp)
		if err := d.teardown(ctx, dp); err != nil {
			errs = append(errs, err)
		}
	}
	if d.portStats != nil {
		d.hw.Alloc.Free(d.portStats)
		d.portStats = nil
	}
	if err := d.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	d.metrics.Stop()

	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("device detached with errors", "error", err)
		e := WrapError("DETACH", err)
		e.Device = d.name
		return e
	}
	d.logger.Info("device detached")
	return nil
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateDown
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsUp returns true if the device is passing traffic
func (d *Device) IsUp() bool {
	return d.State() == DeviceStateUp
}

// Err returns the error that failed the last recovery, if any
func (d *Device) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

func (d *Device) Name() string { return d.name }

func (d *Device) PCIAddr() string { return d.pciAddr }

// Params returns the parameters the device was attached with
func (d *Device) Params() DeviceParams { return d.params }

// SetReceiver replaces the frame receiver. A nil receiver drops frames.
func (d *Device) SetReceiver(fn Receiver) {
	if fn == nil {
		d.receiver.Store(nil)
		return
	}
	d.receiver.Store(&fn)
}

// deliver runs on an RX queue's worker
func (d *Device) deliver(queue int, frame []byte) {
	d.observer.ObserveReceive(uint64(len(frame)))
	if fn := d.receiver.Load(); fn != nil {
		(*fn)(queue, frame)
	}
}

// Transmit queues one frame on a TX queue and rings its doorbell. It fails
// with ErrCodeRingFull when the ring has no room and ErrCodeDeviceDown
// while the device is not up.
func (d *Device) Transmit(queue int, frame []byte) error {
	err := d.transmit(queue, frame)
	d.observer.ObserveTransmit(uint64(len(frame)), err)
	return err
}

func (d *Device) transmit(queue int, frame []byte) error {
	d.mu.RLock()
	state, dp := d.state, d.dp
	d.mu.RUnlock()

	if state != DeviceStateUp || dp == nil {
		return NewQueueError("TRANSMIT", d.name, queue, ErrCodeDeviceDown, fmt.Sprintf("device is %s", state))
	}
	if queue < 0 || queue >= len(dp.txs) {
		return NewQueueError("TRANSMIT", d.name, queue, ErrCodeInvalidParameters, "no such tx queue")
	}
	tx := dp.txs[queue].Tx()
	if err := tx.Enqueue(frame); err != nil {
		e := WrapError("TRANSMIT", err)
		e.Device, e.Queue = d.name, queue
		return e
	}
	tx.Kick()
	return nil
}

// Link returns the cached link state from the last PORT_PHY_QCFG
func (d *Device) Link() LinkInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.link
}

// LinkInfo is the port link state
type LinkInfo = hwrm.LinkInfo

// QueueStats are the counters of one queue: the statistics block firmware
// DMAs into host memory plus the engine's own ring counters
type QueueStats struct {
	Hardware  hsi.CtxStats
	RxPackets uint64
	RxBytes   uint64
	RxDrops   uint64
	RxErrors  uint64
	TxPackets uint64
	TxBytes   uint64
	TxDone    uint64
	TxFull    uint64
	TxPending int
}

// Stats reads queue's statistics. RX and TX queues with the same index are
// reported together.
func (d *Device) Stats(queue int) (QueueStats, error) {
	d.mu.RLock()
	dp := d.dp
	d.mu.RUnlock()
	if dp == nil {
		return QueueStats{}, NewQueueError("STATS", d.name, queue, ErrCodeDeviceDown, "")
	}
	if queue < 0 || (queue >= len(dp.groups) && queue >= len(dp.txs)) {
		return QueueStats{}, NewQueueError("STATS", d.name, queue, ErrCodeInvalidParameters, "no such queue")
	}

	var qs QueueStats
	if queue < len(dp.groups) {
		g := dp.groups[queue]
		hw, err := g.Stats()
		if err != nil {
			return QueueStats{}, WrapError("STATS", err)
		}
		qs.Hardware = hw
		rs := g.Rx().Stats()
		qs.RxPackets, qs.RxBytes, qs.RxDrops, qs.RxErrors = rs.Packets, rs.Bytes, rs.Drops, rs.Errors
	}
	if queue < len(dp.txs) {
		t := dp.txs[queue]
		hw, err := t.Stats()
		if err != nil {
			return QueueStats{}, WrapError("STATS", err)
		}
		qs.Hardware.TxPkts += hw.TxPkts
		qs.Hardware.TxBytes += hw.TxBytes
		qs.Hardware.TxDrops += hw.TxDrops
		ts := t.Tx().Stats()
		qs.TxPackets, qs.TxBytes, qs.TxDone, qs.TxFull = ts.Packets, ts.Bytes, ts.Completed, ts.RingFull
		qs.TxPending = t.Tx().Pending()
	}
	return qs, nil
}

// Metrics returns the device's counters
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// DeviceInfo describes an attached device
type DeviceInfo struct {
	Name       string      `json:"name" yaml:"name"`
	PCIAddr    string      `json:"pci_addr" yaml:"pci_addr"`
	State      DeviceState `json:"state" yaml:"state"`
	Generation string      `json:"generation" yaml:"generation"`
	Firmware   string      `json:"firmware" yaml:"firmware"`
	Interface  string      `json:"interface" yaml:"interface"`
	ChipNum    uint16      `json:"chip_num" yaml:"chip_num"`
	MAC        string      `json:"mac" yaml:"mac"`
	RxQueues   int         `json:"rx_queues" yaml:"rx_queues"`
	TxQueues   int         `json:"tx_queues" yaml:"tx_queues"`
	VNIC       uint16      `json:"vnic" yaml:"vnic"`
	LinkUp     bool        `json:"link_up" yaml:"link_up"`
	SpeedMbps  int         `json:"speed_mbps" yaml:"speed_mbps"`
	Interrupts bool        `json:"interrupts" yaml:"interrupts"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	info := DeviceInfo{
		Name:       d.name,
		PCIAddr:    d.pciAddr,
		State:      d.state,
		Generation: d.params.Generation.String(),
		Firmware:   d.version.Firmware,
		Interface:  d.version.Interface,
		ChipNum:    d.version.ChipNum,
		MAC:        formatMAC(d.caps.MAC),
		VNIC:       InvalidID,
		LinkUp:     d.link.Up,
		SpeedMbps:  d.link.SpeedMbps,
		Interrupts: d.params.Interrupts,
	}
	if d.dp != nil {
		info.RxQueues = len(d.dp.groups)
		info.TxQueues = len(d.dp.txs)
		info.VNIC = d.dp.vnic
	}
	return info
}

func formatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
