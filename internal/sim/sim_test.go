package sim

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-bnxt/internal/async"
	"github.com/ehrlich-b/go-bnxt/internal/cq"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/hwrm"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/ringgroup"
)

type rig struct {
	nic   *NIC
	alloc *dma.HeapAllocator
	ch    *hwrm.Channel
	fw    *hwrm.Client
	deps  ringgroup.Deps

	mu      sync.Mutex
	vectors []int
}

func newRig(t *testing.T, gen doorbell.Generation, mutate func(*Config, *hwrm.Config)) *rig {
	t.Helper()
	r := &rig{alloc: dma.NewHeapAllocator(0)}
	cfg := Config{
		Generation: gen,
		Memory:     r.alloc,
		Logger:     logging.Nop(),
		Raise: func(v int) {
			r.mu.Lock()
			r.vectors = append(r.vectors, v)
			r.mu.Unlock()
		},
	}
	chCfg := hwrm.Config{Alloc: r.alloc, Timeout: 200 * time.Millisecond, Logger: logging.Nop()}
	if mutate != nil {
		mutate(&cfg, &chCfg)
	}

	nic, err := New(cfg)
	require.NoError(t, err)
	r.nic = nic
	chCfg.Notifier = hwrm.NewNotifier(gen, nic)
	r.ch, err = hwrm.NewChannel(chCfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.ch.Close() })
	r.fw = hwrm.NewClient(r.ch)

	db, err := doorbell.New(gen, nic)
	require.NoError(t, err)
	r.deps = ringgroup.Deps{Alloc: r.alloc, FW: r.fw, Doorbell: db, Logger: logging.Nop()}
	return r
}

func (r *rig) raised() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.vectors...)
}

var generations = []doorbell.Generation{doorbell.Legacy, doorbell.P5}

func TestVersionAndCaps(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			r := newRig(t, gen, nil)
			ctx := context.Background()

			v, err := r.fw.VerGet(ctx)
			require.NoError(t, err)
			assert.Equal(t, "1.10.2.7", v.Firmware)
			assert.Equal(t, 128, v.MaxReqLen)
			assert.True(t, v.ShortCmd)

			caps, err := r.fw.FuncQcaps(ctx)
			require.NoError(t, err)
			assert.Equal(t, 32, caps.MaxRxRings)
			assert.Equal(t, DefaultCaps().MAC, caps.MAC)

			_, err = r.ch.Issue(ctx, 0x999, nil, 0)
			assert.True(t, hwrm.IsFirmwareStatus(err, hsi.HWRM_ERR_CODE_CMD_NOT_SUPPORTED))
		})
	}
}

func TestShortCommand(t *testing.T) {
	r := newRig(t, doorbell.Legacy, func(_ *Config, c *hwrm.Config) { c.MaxInline = 16 })
	require.NoError(t, r.fw.FuncDrvRgtr(context.Background(), async.Events()))

	cmds := r.nic.Commands()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].Short)
	assert.True(t, r.nic.EventRegistered(hsi.ASYNC_EVENT_RESET_NOTIFY))
}

func TestInjectedCommandFaults(t *testing.T) {
	r := newRig(t, doorbell.P5, func(_ *Config, c *hwrm.Config) { c.Timeout = 20 * time.Millisecond })
	ctx := context.Background()

	r.nic.FailCommand(hsi.HWRM_FUNC_QCAPS, hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED, 1)
	_, err := r.fw.FuncQcaps(ctx)
	assert.True(t, hwrm.IsFirmwareStatus(err, hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED))
	_, err = r.fw.FuncQcaps(ctx)
	assert.NoError(t, err, "fault was limited to one command")

	r.nic.DropCommand(hsi.HWRM_VER_GET, 1)
	_, err = r.fw.VerGet(ctx)
	assert.ErrorIs(t, err, hwrm.ErrTimeout)
	_, err = r.fw.VerGet(ctx)
	assert.NoError(t, err)

	cmds := r.nic.Commands()
	require.Len(t, cmds, 4)
	assert.True(t, cmds[2].Dropped)
}

func TestRingFreeOrderIsEnforced(t *testing.T) {
	r := newRig(t, doorbell.Legacy, nil)
	ctx := context.Background()

	g, err := ringgroup.Build(ctx, r.deps, ringgroup.Spec{CmplSize: 64, RxSize: 16, AggSize: 16, RxBufSize: 256, AggBufSize: 256, DoorbellSlot: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, r.nic.GroupCount())

	err = r.fw.RingFree(ctx, hsi.RING_TYPE_L2_CMPL, g.CQ().Ring().ID())
	assert.True(t, hwrm.IsFirmwareStatus(err, hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED))
	err = r.fw.StatCtxFree(ctx, g.StatCtx())
	assert.True(t, hwrm.IsFirmwareStatus(err, hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED))

	require.NoError(t, g.Teardown(ctx))
	assert.Zero(t, r.nic.Bound())
}

// queues is a default CQ, one RX group and one TX set bound to a NIC
type queues struct {
	dflt *ringgroup.Default
	grp  *ringgroup.Group
	tx   *ringgroup.TxSet
	vnic uint16

	mu    sync.Mutex
	got   [][]byte
	rxMux *cq.Mux
	txMux *cq.Mux
}

func bindQueues(t *testing.T, r *rig, irq bool) *queues {
	t.Helper()
	ctx := context.Background()
	q := &queues{}
	var err error

	q.dflt, err = ringgroup.BuildDefault(ctx, r.deps, ringgroup.DefaultSpec{Size: 64})
	require.NoError(t, err)
	q.grp, err = ringgroup.Build(ctx, r.deps, ringgroup.Spec{
		CmplSize: 64, RxSize: 16, AggSize: 16, RxBufSize: 256, AggBufSize: 256,
		DoorbellSlot: 1,
		Interrupt:    ringgroup.Interrupt{Enabled: irq, Vector: 1},
		Receiver: func(frame []byte) {
			q.mu.Lock()
			q.got = append(q.got, append([]byte(nil), frame...))
			q.mu.Unlock()
		},
	})
	require.NoError(t, err)
	q.tx, err = ringgroup.BuildTx(ctx, r.deps, ringgroup.TxSpec{
		CmplSize: 16, TxSize: 16, BufSize: 2048,
		DoorbellSlot: 1 + ringgroup.SlotsPerGroup,
		Interrupt:    ringgroup.Interrupt{Enabled: irq, Vector: 2},
	})
	require.NoError(t, err)

	q.vnic, err = r.fw.VnicAlloc(ctx, true)
	require.NoError(t, err)
	require.NoError(t, r.fw.VnicCfg(ctx, q.vnic, q.grp.ID(), 1500))

	q.rxMux = cq.NewMux().
		Handle(hsi.CMPL_BASE_TYPE_RX_L2, q.grp.Rx().HandleRx).
		Handle(hsi.CMPL_BASE_TYPE_RX_AGG, q.grp.Rx().HandleAgg)
	q.txMux = cq.NewMux().
		Handle(hsi.CMPL_BASE_TYPE_TX_L2, func(_ *cq.Queue, c hsi.Completion) error { return q.tx.Tx().Complete(c) })
	return q
}

func (q *queues) pollRx(arm bool) int {
	n := q.grp.CQ().Drain(0, q.rxMux)
	q.grp.Rx().Kick()
	q.grp.CQ().Rearm(arm)
	return n
}

func (q *queues) pollTx(arm bool) int {
	n := q.tx.CQ().Drain(0, q.txMux)
	q.tx.CQ().Rearm(arm)
	return n
}

func (q *queues) frames() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.got...)
}

func (q *queues) teardown(t *testing.T, r *rig) {
	ctx := context.Background()
	require.NoError(t, r.fw.VnicFree(ctx, q.vnic))
	require.NoError(t, q.tx.Teardown(ctx))
	require.NoError(t, q.grp.Teardown(ctx))
	require.NoError(t, q.dflt.Teardown(ctx))
}

func TestTransmitAndReceive(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			r := newRig(t, gen, nil)
			q := bindQueues(t, r, false)

			// TX: descriptors go out on Kick and complete on the TX CQ
			require.NoError(t, q.tx.Tx().Enqueue([]byte("first")))
			require.NoError(t, q.tx.Tx().Enqueue([]byte("second")))
			assert.Empty(t, r.nic.Transmitted(), "nothing leaves before the doorbell")
			q.tx.Tx().Kick()

			want := [][]byte{[]byte("first"), []byte("second")}
			if diff := cmp.Diff(want, r.nic.Transmitted()); diff != "" {
				t.Errorf("transmitted frames (-want +got):\n%s", diff)
			}
			assert.Equal(t, 2, q.pollTx(false))
			assert.Zero(t, q.tx.Tx().Pending())

			// RX: single buffer and a frame spanning aggregation buffers
			small := []byte("hello")
			big := bytes.Repeat([]byte{0xab}, 600)
			require.NoError(t, r.nic.Receive(small))
			require.NoError(t, r.nic.Receive(big))
			// aggregation entries are taken by the RX handler, not dispatched
			assert.Equal(t, 2, q.pollRx(false))

			got := q.frames()
			require.Len(t, got, 2)
			assert.Equal(t, small, got[0])
			assert.Equal(t, big, got[1])

			// buffers went back to the hardware
			assert.Equal(t, 16, q.grp.Rx().Ring().Used())
			assert.Equal(t, 16, q.grp.Rx().AggRing().Used())

			txStats, err := q.tx.Stats()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), txStats.TxPkts)
			assert.Equal(t, uint64(11), txStats.TxBytes)
			rxStats, err := q.grp.Stats()
			require.NoError(t, err)
			assert.Equal(t, uint64(2), rxStats.RxPkts)
			assert.Equal(t, uint64(605), rxStats.RxBytes)
			assert.Equal(t, uint64(2), rxStats.AggBufs)

			q.teardown(t, r)
			assert.Zero(t, r.nic.Bound())
		})
	}
}

func TestCompletionGenerationWraps(t *testing.T) {
	r := newRig(t, doorbell.P5, nil)
	q := bindQueues(t, r, false)

	// the 16-entry TX CQ wraps several times
	for i := 0; i < 100; i++ {
		require.NoError(t, q.tx.Tx().Enqueue([]byte{byte(i)}))
		q.tx.Tx().Kick()
		require.Equal(t, 1, q.pollTx(false), "frame %d", i)
	}
	assert.Equal(t, uint64(100), q.tx.Tx().Stats().Completed)
	assert.Len(t, r.nic.Transmitted(), 100)
	assert.Zero(t, r.nic.Overflows())
}

func TestProducerDoorbellsCarrySlotIndex(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			r := newRig(t, gen, nil)
			q := bindQueues(t, r, false)
			tx := q.tx.Tx()

			// whole-ring batches publish the same slot index every time
			for round := 0; round < 3; round++ {
				for i := 0; i < 16; i++ {
					require.NoError(t, tx.Enqueue([]byte{byte(round), byte(i)}))
				}
				tx.Kick()
				require.Equal(t, 16, q.pollTx(false), "round %d", round)
			}
			// then a partial batch past the wrap
			for i := 0; i < 5; i++ {
				require.NoError(t, tx.Enqueue([]byte{0xff, byte(i)}))
			}
			tx.Kick()
			assert.Equal(t, 5, q.pollTx(false))
			assert.Len(t, r.nic.Transmitted(), 53)
			assert.Zero(t, r.nic.BadDoorbells())

			// a cursor instead of a slot index is rejected
			require.NoError(t, tx.Enqueue([]byte("dropped")))
			r.deps.Doorbell.TX(tx.Target(), 16+tx.Ring().ProdIndex())
			assert.EqualValues(t, 1, r.nic.BadDoorbells())
			assert.Len(t, r.nic.Transmitted(), 53)

			tx.Kick()
			assert.Len(t, r.nic.Transmitted(), 54)
			assert.Equal(t, 1, q.pollTx(false))
		})
	}
}

func TestReceiveWithoutBuffersDrops(t *testing.T) {
	r := newRig(t, doorbell.Legacy, nil)
	q := bindQueues(t, r, false)

	for i := 0; i < 16; i++ {
		require.NoError(t, r.nic.Receive([]byte{byte(i)}))
	}
	// the driver has not re-posted anything yet
	assert.ErrorIs(t, r.nic.Receive([]byte("late")), ErrNoBuffer)
	assert.Equal(t, 16, q.pollRx(false))
	require.NoError(t, r.nic.Receive([]byte("again")))

	_, rx := r.nic.PortStats()
	assert.Equal(t, uint64(1), rx.Drops)
	stats, err := q.grp.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.RxDrops)
}

func TestInterruptsFollowArming(t *testing.T) {
	r := newRig(t, doorbell.Legacy, nil)
	q := bindQueues(t, r, true)

	require.NoError(t, r.nic.Receive([]byte("a")))
	assert.Equal(t, []int{1}, r.raised())

	// disarmed after delivery
	require.NoError(t, r.nic.Receive([]byte("b")))
	assert.Equal(t, []int{1}, r.raised())

	// rearming with entries still pending raises again
	q.grp.CQ().Rearm(true)
	assert.Equal(t, []int{1, 1}, r.raised())

	q.pollRx(true)
	assert.Equal(t, []int{1, 1}, r.raised(), "nothing pending after a full drain")

	require.NoError(t, q.tx.Tx().Enqueue([]byte("c")))
	q.tx.Tx().Kick()
	assert.Equal(t, []int{1, 1, 2}, r.raised())
}

func TestLoopback(t *testing.T) {
	r := newRig(t, doorbell.P5, func(c *Config, _ *hwrm.Config) { c.Loopback = true })
	q := bindQueues(t, r, false)

	require.NoError(t, q.tx.Tx().Enqueue([]byte("echo")))
	q.tx.Tx().Kick()
	q.pollRx(false)
	assert.Equal(t, [][]byte{[]byte("echo")}, q.frames())
}

func TestStallTx(t *testing.T) {
	r := newRig(t, doorbell.Legacy, nil)
	q := bindQueues(t, r, false)

	r.nic.StallTx(true)
	require.NoError(t, q.tx.Tx().Enqueue([]byte("stuck")))
	q.tx.Tx().Kick()
	assert.Zero(t, q.pollTx(false))
	assert.Equal(t, 1, q.tx.Tx().Pending())

	r.nic.StallTx(false)
	assert.Equal(t, 1, q.pollTx(false))
	assert.Zero(t, q.tx.Tx().Pending())
}

func TestFatalAndReset(t *testing.T) {
	r := newRig(t, doorbell.P5, nil)
	ctx := context.Background()
	q := bindQueues(t, r, false)
	require.NoError(t, r.fw.FuncDrvRgtr(ctx, async.Events()))

	var classes []async.Class
	sink := async.NewSink(async.Handlers{}, logging.Nop())
	mux := cq.NewMux().
		Handle(hsi.CMPL_BASE_TYPE_HWRM_DONE, func(*cq.Queue, hsi.Completion) error { return nil }).
		Handle(hsi.CMPL_BASE_TYPE_HWRM_ASYNC_EVENT, func(_ *cq.Queue, c hsi.Completion) error {
			classes = append(classes, sink.Dispatch(hsi.AsyncEventFrom(c)))
			return nil
		})

	r.nic.InjectFatal()
	assert.True(t, r.nic.Halted())
	q.dflt.CQ().Drain(0, mux)
	assert.Equal(t, []async.Class{async.Fatal}, classes)

	// firmware refuses work and the data path is dead
	_, err := r.fw.VnicAlloc(ctx, false)
	assert.True(t, hwrm.IsFirmwareStatus(err, hsi.HWRM_ERR_CODE_HWRM_ERROR))
	require.NoError(t, q.tx.Tx().Enqueue([]byte("lost")))
	q.tx.Tx().Kick()
	assert.Empty(t, r.nic.Transmitted())
	assert.ErrorIs(t, r.nic.Receive([]byte("x")), ErrHalted)

	_, err = r.fw.VerGet(ctx)
	require.NoError(t, err)
	require.NoError(t, r.fw.FuncReset(ctx))
	assert.False(t, r.nic.Halted())
	assert.Equal(t, 1, r.nic.Resets())
	assert.Zero(t, r.nic.Bound(), "reset forgets every resource")
	assert.False(t, r.nic.EventRegistered(hsi.ASYNC_EVENT_RESET_NOTIFY))
}

func TestLinkChange(t *testing.T) {
	r := newRig(t, doorbell.Legacy, nil)
	ctx := context.Background()
	q := bindQueues(t, r, false)

	// unregistered events are not forwarded
	r.nic.SetLink(false, 0)
	assert.Zero(t, asyncEvents(q))

	require.NoError(t, r.fw.FuncDrvRgtr(ctx, async.Events()))
	r.nic.SetLink(true, 100000)
	assert.Equal(t, 1, asyncEvents(q))

	link, err := r.fw.PortPhyQcfg(ctx, 0)
	require.NoError(t, err)
	assert.True(t, link.Up)
	assert.Equal(t, 100000, link.SpeedMbps)
}

func asyncEvents(q *queues) int {
	n := 0
	q.dflt.CQ().Drain(0, cq.NewMux().
		Handle(hsi.CMPL_BASE_TYPE_HWRM_DONE, func(*cq.Queue, hsi.Completion) error { return nil }).
		Handle(hsi.CMPL_BASE_TYPE_HWRM_ASYNC_EVENT, func(*cq.Queue, hsi.Completion) error {
			n++
			return nil
		}))
	q.dflt.CQ().Rearm(false)
	return n
}

func TestPortQstats(t *testing.T) {
	r := newRig(t, doorbell.Legacy, nil)
	ctx := context.Background()
	q := bindQueues(t, r, false)

	require.NoError(t, q.tx.Tx().Enqueue([]byte("0123456789")))
	q.tx.Tx().Kick()
	require.NoError(t, r.nic.Receive([]byte("abc")))

	size := hsi.Size(&hsi.PortStats{})
	tx, err := r.alloc.Alloc(size)
	require.NoError(t, err)
	rx, err := r.alloc.Alloc(size)
	require.NoError(t, err)
	require.NoError(t, r.fw.PortQstats(ctx, 0, tx.Bus, rx.Bus))

	txs, err := hsi.LoadPortStats(tx.Virt)
	require.NoError(t, err)
	rxs, err := hsi.LoadPortStats(rx.Virt)
	require.NoError(t, err)
	assert.Equal(t, hsi.PortStats{Packets: 1, Bytes: 10}, txs)
	assert.Equal(t, hsi.PortStats{Packets: 1, Bytes: 3}, rxs)
}

func TestHwrmDoneCompletions(t *testing.T) {
	r := newRig(t, doorbell.P5, nil)
	q := bindQueues(t, r, false)

	var seqs []uint32
	mux := cq.NewMux().Handle(hsi.CMPL_BASE_TYPE_HWRM_DONE, func(_ *cq.Queue, c hsi.Completion) error {
		seqs = append(seqs, c.Opaque)
		return nil
	})
	q.dflt.CQ().Drain(0, mux)
	q.dflt.CQ().Rearm(false)
	require.NotEmpty(t, seqs)

	// every command after the default ring was bound is announced
	last := r.nic.Commands()
	assert.Equal(t, uint32(last[len(last)-1].Seq), seqs[len(seqs)-1])
}
