package bnxt

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/sim"
)

var generations = []Generation{GenerationLegacy, GenerationP5}

// testParams keeps the rings small and the admin timer out of the way;
// tests drive adminTick directly
func testParams(gen Generation) DeviceParams {
	p := DefaultParams()
	p.Generation = gen
	p.RxRingSize = 16
	p.AggRingSize = 32
	p.CmplRingSize = 64
	p.TxRingSize = 16
	p.DefCmplRingSize = 64
	p.AdminInterval = time.Hour
	p.RecoveryInitialBackoff = time.Millisecond
	p.RecoveryMaxElapsed = 2 * time.Second
	return p
}

func newSim(t *testing.T, gen Generation, mutate func(*SimConfig)) *SimulatedHardware {
	t.Helper()
	cfg := SimConfig{Generation: gen, Logger: logging.Nop()}
	if mutate != nil {
		mutate(&cfg)
	}
	hw, err := NewSimulatedHardwareWith(cfg)
	require.NoError(t, err)
	return hw
}

func attach(t *testing.T, hw *SimulatedHardware, params DeviceParams, opts *Options) *Device {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	d, err := Attach(context.Background(), hw.Hardware(), params, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Detach(context.Background()) })
	return d
}

// frames collects what a Receiver is handed
type frames struct {
	mu  sync.Mutex
	got [][]byte
	qs  []int
}

func (f *frames) receive(queue int, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, append([]byte(nil), frame...))
	f.qs = append(f.qs, queue)
}

func (f *frames) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func (f *frames) frame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[i]
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestAttachDetach(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			hw := newSim(t, gen, nil)
			d, err := Attach(context.Background(), hw.Hardware(), testParams(gen), &Options{Logger: logging.Nop()})
			require.NoError(t, err)

			assert.Equal(t, DeviceStateUp, d.State())
			assert.True(t, d.IsUp())
			assert.NoError(t, d.Err())

			// default, rx cmpl, rx, agg, tx cmpl, tx + 2 stat ctxs + group + vnic
			assert.Equal(t, 10, hw.NIC.Bound())
			assert.Equal(t, 1, hw.NIC.VnicCount())
			assert.Equal(t, 1, hw.NIC.GroupCount())
			assert.Equal(t, 2, hw.NIC.StatCtxCount())
			assert.True(t, hw.NIC.EventRegistered(hsi.ASYNC_EVENT_RESET_NOTIFY))
			assert.True(t, hw.NIC.EventRegistered(hsi.ASYNC_EVENT_LINK_STATUS_CHANGE))

			ops := hw.NIC.Opcodes()
			require.GreaterOrEqual(t, len(ops), 4)
			want := []uint16{hsi.HWRM_VER_GET, hsi.HWRM_FUNC_QCAPS, hsi.HWRM_FUNC_DRV_RGTR, hsi.HWRM_RING_ALLOC}
			if diff := cmp.Diff(want, ops[:4]); diff != "" {
				t.Errorf("attach command order (-want +got):\n%s", diff)
			}

			info := d.Info()
			assert.Equal(t, "bnxt0", info.Name)
			assert.Equal(t, gen.String(), info.Generation)
			assert.Equal(t, "02:00:5e:10:00:01", info.MAC)
			assert.Equal(t, 1, info.RxQueues)
			assert.Equal(t, 1, info.TxQueues)
			assert.NotEqual(t, InvalidID, info.VNIC)
			assert.True(t, info.LinkUp)
			assert.Equal(t, 25000, info.SpeedMbps)
			assert.NotEmpty(t, info.Firmware)

			require.NoError(t, d.Detach(context.Background()))
			assert.Equal(t, DeviceStateDown, d.State())
			assert.Equal(t, 0, hw.NIC.Bound())
			regions, _ := hw.Outstanding()
			assert.Zero(t, regions)
			assert.False(t, hw.NIC.EventRegistered(hsi.ASYNC_EVENT_RESET_NOTIFY))
			for v := 0; v < 3; v++ {
				assert.False(t, hw.Vectors.Registered(v), "vector %d", v)
			}

			// a second Detach returns the first result
			assert.NoError(t, d.Detach(context.Background()))
		})
	}
}

func TestAttachRequiresHardware(t *testing.T) {
	hw := newSim(t, GenerationLegacy, nil)
	p := testParams(GenerationLegacy)

	_, err := Attach(context.Background(), Hardware{Alloc: hw.Memory}, p, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	_, err = Attach(context.Background(), Hardware{Regs: hw.NIC, Alloc: hw.Memory}, p, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "interrupt mode without a registrar")

	p.RxRingSize = 3
	_, err = Attach(context.Background(), hw.Hardware(), p, nil)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
	assert.Empty(t, hw.NIC.Opcodes())
}

func TestLoopbackTraffic(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			hw := newSim(t, gen, func(c *SimConfig) { c.Loopback = true })
			var rx frames
			d := attach(t, hw, testParams(gen), &Options{Receiver: rx.receive})

			// more frames than the rings hold, so buffers and slots recycle
			const n = 40
			for i := 0; i < n; i++ {
				frame := pattern(64+i, byte(i))
				require.Eventually(t, func() bool {
					return d.Transmit(0, frame) == nil
				}, time.Second, time.Millisecond)
				require.Eventually(t, func() bool { return rx.count() == i+1 }, time.Second, time.Millisecond)
			}

			for i := 0; i < n; i++ {
				assert.True(t, bytes.Equal(pattern(64+i, byte(i)), rx.frame(i)), "frame %d", i)
			}
			assert.Len(t, hw.NIC.Transmitted(), n)
			assert.Zero(t, hw.NIC.BadDoorbells())

			require.Eventually(t, func() bool {
				qs, err := d.Stats(0)
				return err == nil && qs.TxDone == n && qs.TxPending == 0
			}, time.Second, time.Millisecond)
			qs, err := d.Stats(0)
			require.NoError(t, err)
			assert.EqualValues(t, n, qs.TxPackets)
			assert.EqualValues(t, n, qs.RxPackets)
			assert.Zero(t, qs.RxDrops)
			assert.EqualValues(t, n, qs.Hardware.TxPkts)
			assert.EqualValues(t, n, qs.Hardware.RxPkts)

			snap := d.MetricsSnapshot()
			assert.EqualValues(t, n, snap.TxPackets)
			assert.EqualValues(t, n, snap.RxPackets)
			assert.NotZero(t, snap.Completions)
			assert.Zero(t, snap.Malformed)
			assert.NotZero(t, snap.Commands)
		})
	}
}

func TestPollingMode(t *testing.T) {
	hw := newSim(t, GenerationP5, func(c *SimConfig) { c.Loopback = true })
	p := testParams(GenerationP5)
	p.Interrupts = false
	p.PollInterval = time.Millisecond

	var rx frames
	d, err := Attach(context.Background(), Hardware{Regs: hw.NIC, Alloc: hw.Memory}, p,
		&Options{Logger: logging.Nop(), Receiver: rx.receive})
	require.NoError(t, err)
	defer d.Detach(context.Background())

	require.NoError(t, d.Transmit(0, pattern(200, 7)))
	require.Eventually(t, func() bool { return rx.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, pattern(200, 7), rx.frame(0))
	assert.False(t, hw.Vectors.Registered(0))
	assert.False(t, d.Info().Interrupts)
}

func TestReceiveFromWire(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			hw := newSim(t, gen, nil)
			var rx frames
			d := attach(t, hw, testParams(gen), &Options{Receiver: rx.receive})

			small := pattern(100, 1)
			// larger than one RX buffer, so it spills into aggregation buffers
			jumbo := pattern(3000, 9)
			require.NoError(t, hw.NIC.Receive(small))
			require.Eventually(t, func() bool { return rx.count() == 1 }, time.Second, time.Millisecond)
			require.NoError(t, hw.NIC.Receive(jumbo))
			require.Eventually(t, func() bool { return rx.count() == 2 }, time.Second, time.Millisecond)

			assert.Equal(t, small, rx.frame(0))
			assert.Equal(t, jumbo, rx.frame(1))
			assert.Equal(t, []int{0, 0}, rx.qs)

			qs, err := d.Stats(0)
			require.NoError(t, err)
			assert.EqualValues(t, 2, qs.RxPackets)
			assert.EqualValues(t, 3100, qs.RxBytes)
			assert.EqualValues(t, 1, qs.Hardware.AggBufs)
		})
	}
}

func TestReceiveKeepsUpWithRing(t *testing.T) {
	hw := newSim(t, GenerationLegacy, nil)
	var rx frames
	attach(t, hw, testParams(GenerationLegacy), &Options{Receiver: rx.receive})

	// several ring lengths, one frame at a time, so buffers are reposted
	const n = 80
	for i := 0; i < n; i++ {
		require.Eventually(t, func() bool {
			return hw.NIC.Receive(pattern(60, byte(i))) == nil
		}, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return rx.count() == n }, 2*time.Second, time.Millisecond)
}

func TestSetReceiver(t *testing.T) {
	hw := newSim(t, GenerationLegacy, nil)
	d := attach(t, hw, testParams(GenerationLegacy), nil)

	// no receiver: frames are consumed and dropped
	require.NoError(t, hw.NIC.Receive(pattern(80, 0)))
	require.Eventually(t, func() bool { return d.MetricsSnapshot().RxPackets == 1 }, time.Second, time.Millisecond)

	var rx frames
	d.SetReceiver(rx.receive)
	require.NoError(t, hw.NIC.Receive(pattern(80, 1)))
	require.Eventually(t, func() bool { return rx.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, pattern(80, 1), rx.frame(0))
}

func TestFailedAttachLeavesNothingBound(t *testing.T) {
	cases := []struct {
		name   string
		opcode uint16
	}{
		{"version", hsi.HWRM_VER_GET},
		{"capabilities", hsi.HWRM_FUNC_QCAPS},
		{"register", hsi.HWRM_FUNC_DRV_RGTR},
		{"stat context", hsi.HWRM_STAT_CTX_ALLOC},
		{"ring group", hsi.HWRM_RING_GRP_ALLOC},
		{"vnic alloc", hsi.HWRM_VNIC_ALLOC},
		{"vnic cfg", hsi.HWRM_VNIC_CFG},
	}
	for _, gen := range generations {
		for _, tc := range cases {
			t.Run(gen.String()+"/"+tc.name, func(t *testing.T) {
				hw := newSim(t, gen, nil)
				hw.NIC.FailCommand(tc.opcode, hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR, 1)

				d, err := Attach(context.Background(), hw.Hardware(), testParams(gen), &Options{Logger: logging.Nop()})
				require.Error(t, err)
				assert.Nil(t, d)
				assert.True(t, IsCode(err, ErrCodeFirmware), "got %v", err)
				assert.True(t, IsFirmwareStatus(err, hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR))

				var e *Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "ATTACH", e.Op)
				assert.Equal(t, "bnxt0", e.Device)

				assert.Equal(t, 0, hw.NIC.Bound())
				regions, _ := hw.Outstanding()
				assert.Zero(t, regions)
				assert.False(t, hw.NIC.EventRegistered(hsi.ASYNC_EVENT_RESET_NOTIFY))
				assert.False(t, hw.Vectors.Registered(0))
			})
		}
	}
}

func TestAttachCommandTimeout(t *testing.T) {
	hw := newSim(t, GenerationLegacy, func(c *SimConfig) {
		v := sim.DefaultVersion()
		v.DefaultTimeoutMs = 10
		c.Version = v
	})
	hw.NIC.DropCommand(hsi.HWRM_STAT_CTX_ALLOC, 1)

	p := testParams(GenerationLegacy)
	p.CommandTimeout = 50 * time.Millisecond
	_, err := Attach(context.Background(), hw.Hardware(), p, &Options{Logger: logging.Nop()})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout), "got %v", err)
	assert.Equal(t, 0, hw.NIC.Bound())
	regions, _ := hw.Outstanding()
	assert.Zero(t, regions)
}

func TestAttachClampsQueues(t *testing.T) {
	hw := newSim(t, GenerationP5, func(c *SimConfig) {
		caps := sim.DefaultCaps()
		caps.MaxStatCtx = 3
		c.Caps = caps
	})
	p := testParams(GenerationP5)
	p.RxQueues, p.TxQueues = 4, 4
	d := attach(t, hw, p, nil)

	info := d.Info()
	assert.Equal(t, 2, info.RxQueues)
	assert.Equal(t, 1, info.TxQueues)
	assert.Equal(t, 3, hw.NIC.StatCtxCount())
	assert.Equal(t, 2, hw.NIC.GroupCount())

	err := d.Transmit(1, pattern(64, 0))
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestAttachRejectsTinyFunction(t *testing.T) {
	hw := newSim(t, GenerationLegacy, func(c *SimConfig) {
		caps := sim.DefaultCaps()
		caps.MaxStatCtx = 1
		c.Caps = caps
	})
	_, err := Attach(context.Background(), hw.Hardware(), testParams(GenerationLegacy), &Options{Logger: logging.Nop()})
	assert.True(t, IsCode(err, ErrCodeNotSupported), "got %v", err)
	assert.Equal(t, 0, hw.NIC.Bound())
}

func TestMultipleQueues(t *testing.T) {
	hw := newSim(t, GenerationP5, nil)
	p := testParams(GenerationP5)
	p.RxQueues, p.TxQueues = 3, 2

	var rx frames
	d := attach(t, hw, p, &Options{Receiver: rx.receive})
	assert.Equal(t, 3, hw.NIC.GroupCount())
	assert.Equal(t, 5, hw.NIC.StatCtxCount())

	for q := 0; q < 3; q++ {
		require.NoError(t, hw.NIC.ReceiveQueue(q, pattern(70, byte(q))))
		require.Eventually(t, func() bool { return rx.count() == q+1 }, time.Second, time.Millisecond)
	}
	assert.Equal(t, []int{0, 1, 2}, rx.qs)

	for q := 0; q < 2; q++ {
		require.NoError(t, d.Transmit(q, pattern(90, byte(q))))
	}
	require.Eventually(t, func() bool {
		a, _ := d.Stats(0)
		b, _ := d.Stats(1)
		return a.TxDone == 1 && b.TxDone == 1
	}, time.Second, time.Millisecond)

	qs, err := d.Stats(2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, qs.RxPackets)
	assert.Zero(t, qs.TxPackets)

	_, err = d.Stats(3)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestTransmitErrors(t *testing.T) {
	hw := newSim(t, GenerationLegacy, nil)
	d, err := Attach(context.Background(), hw.Hardware(), testParams(GenerationLegacy), &Options{Logger: logging.Nop()})
	require.NoError(t, err)

	err = d.Transmit(5, pattern(64, 0))
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 5, e.Queue)

	err = d.Transmit(0, make([]byte, 9000))
	assert.True(t, IsCode(err, ErrCodeInvalidParameters), "got %v", err)

	// nothing completes while the DMA engine is stalled
	hw.NIC.StallTx(true)
	for i := 0; i < 16; i++ {
		require.NoError(t, d.Transmit(0, pattern(64, byte(i))))
	}
	err = d.Transmit(0, pattern(64, 0))
	assert.True(t, IsCode(err, ErrCodeRingFull), "got %v", err)
	assert.ErrorIs(t, err, ErrRingFull)

	hw.NIC.StallTx(false)
	require.Eventually(t, func() bool {
		qs, _ := d.Stats(0)
		return qs.TxPending == 0
	}, time.Second, time.Millisecond)
	assert.NoError(t, d.Transmit(0, pattern(64, 0)))

	snap := d.MetricsSnapshot()
	assert.EqualValues(t, 1, snap.TxRingFull)
	assert.EqualValues(t, 2, snap.TxErrors)
	assert.EqualValues(t, 17, snap.TxPackets)

	require.NoError(t, d.Detach(context.Background()))
	err = d.Transmit(0, pattern(64, 0))
	assert.True(t, IsCode(err, ErrCodeDeviceDown), "got %v", err)
	_, err = d.Stats(0)
	assert.True(t, IsCode(err, ErrCodeDeviceDown))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	hw := newSim(t, GenerationLegacy, nil)
	p := testParams(GenerationLegacy)
	p.PCIAddr = "0000:3b:00.0"
	d, err := Attach(context.Background(), hw.Hardware(), p, &Options{Logger: logging.Nop(), Registry: reg})
	require.NoError(t, err)

	got, ok := reg.Lookup("bnxt0")
	require.True(t, ok)
	assert.Same(t, d, got)
	got, ok = reg.LookupPCI("0000:3b:00.0")
	require.True(t, ok)
	assert.Same(t, d, got)

	// same name on another function
	other := newSim(t, GenerationLegacy, nil)
	_, err = Attach(context.Background(), other.Hardware(), testParams(GenerationLegacy), &Options{Logger: logging.Nop(), Registry: reg})
	assert.True(t, IsCode(err, ErrCodeDeviceBusy), "got %v", err)
	assert.Equal(t, 0, other.NIC.Bound())
	regions, _ := other.Outstanding()
	assert.Zero(t, regions)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, d.Detach(context.Background()))
	_, ok = reg.Lookup("bnxt0")
	assert.False(t, ok)
}

type countingObserver struct {
	NoOpObserver
	mu       sync.Mutex
	opcodes  []uint16
	received int
}

func (o *countingObserver) ObserveCommand(opcode uint16, _ time.Duration, _ error) {
	o.mu.Lock()
	o.opcodes = append(o.opcodes, opcode)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveReceive(uint64) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func TestObserverSeesActivity(t *testing.T) {
	hw := newSim(t, GenerationP5, nil)
	obs := &countingObserver{}
	d := attach(t, hw, testParams(GenerationP5), &Options{Observer: obs})

	require.NoError(t, hw.NIC.Receive(pattern(64, 3)))
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.received == 1
	}, time.Second, time.Millisecond)

	obs.mu.Lock()
	ops := append([]uint16(nil), obs.opcodes...)
	obs.mu.Unlock()
	require.NotEmpty(t, ops)
	assert.Equal(t, uint16(hsi.HWRM_VER_GET), ops[0])
	// the device's own metrics still count
	assert.EqualValues(t, len(ops), d.MetricsSnapshot().Commands)
}

func TestLifetimeContext(t *testing.T) {
	hw := newSim(t, GenerationLegacy, func(c *SimConfig) { c.Loopback = true })
	ctx, cancel := context.WithCancel(context.Background())
	var rx frames
	d, err := Attach(context.Background(), hw.Hardware(), testParams(GenerationLegacy),
		&Options{Context: ctx, Logger: logging.Nop(), Receiver: rx.receive})
	require.NoError(t, err)

	cancel()
	// workers are gone, but Detach still releases everything
	require.NoError(t, d.Detach(context.Background()))
	assert.Equal(t, 0, hw.NIC.Bound())
}
