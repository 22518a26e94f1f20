// Package sim is a simulated bnxt-class NIC: firmware command processor,
// doorbell BAR and DMA engine behind the same register window a driver
// would map. It reads and writes host memory through a dma.Resolver, so the
// driver's rings, buffers and statistics blocks are exercised exactly as
// real hardware would touch them.
//
// Everything happens synchronously on the goroutine that writes the
// register: a TX doorbell transmits before Write32 returns, a command is
// answered before the trigger write returns. Interrupts are raised after the
// simulator's lock is dropped, so a top half may write doorbells.
package sim

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/mmio"
)

// MaxDoorbells is the number of doorbell slots in the register window
const MaxDoorbells = 256

// WindowSize is the size of the simulated register window
const WindowSize = hsi.REG_DB_BASE + MaxDoorbells*hsi.DB_STRIDE

// maxTransmitLog bounds the frames kept for Transmitted
const maxTransmitLog = 1024

// Caps are the resources the simulated function exposes through FUNC_QCAPS
type Caps struct {
	MaxCmplRings int
	MaxTxRings   int
	MaxRxRings   int
	MaxStatCtx   int
	MaxRingGrps  int
	MaxVnics     int
	MAC          [6]byte
}

// DefaultCaps returns generous limits
func DefaultCaps() Caps {
	return Caps{
		MaxCmplRings: 64,
		MaxTxRings:   32,
		MaxRxRings:   32,
		MaxStatCtx:   64,
		MaxRingGrps:  32,
		MaxVnics:     4,
		MAC:          [6]byte{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01},
	}
}

// Version is what VER_GET reports
type Version struct {
	Major, Minor, Build, Patch uint8
	ChipNum                    uint16
	MaxReqLen                  int
	DefaultTimeoutMs           int
}

// DefaultVersion returns a plausible firmware version
func DefaultVersion() Version {
	return Version{Major: 1, Minor: 10, Build: 2, Patch: 7, ChipNum: 0x16d7, MaxReqLen: 128, DefaultTimeoutMs: 500}
}

// Config configures a NIC
type Config struct {
	Generation doorbell.Generation
	// Memory resolves bus addresses the driver hands the device
	Memory dma.Resolver
	// Raise delivers an interrupt vector; nil disables interrupts
	Raise   func(vector int)
	Caps    Caps
	Version Version
	// Loopback feeds every transmitted frame back into the default VNIC
	Loopback bool
	// OnTransmit sees every transmitted frame; it runs with the simulator
	// locked and must not touch the register window
	OnTransmit func(frame []byte)
	Logger     *logging.Logger
}

// NIC is the simulated device. It implements mmio.Registers.
type NIC struct {
	mu   sync.Mutex
	cfg  Config
	log  *logging.Logger
	regs *mmio.Window

	rings    map[uint16]*simRing
	slots    map[uint16]uint16 // legacy doorbell slot -> ring ID
	statCtxs map[uint32]uint64 // context ID -> stats block bus address
	groups   map[uint16]*simGroup
	groupSeq []uint16 // groups in allocation order
	vnics    map[uint16]*simVnic
	asyncCQ  uint16

	nextRing  uint16
	nextStat  uint32
	nextGroup uint16
	nextVnic  uint16

	events hsi.FuncDrvRgtrInput
	link   linkState
	port   portCounters

	faults       faults
	halted       bool
	badDoorbells uint64
	resets       int
	commands     []Command
	sent         [][]byte

	// vectors raised while locked, delivered by unlock
	raise []int
}

// Command is one command the firmware processed
type Command struct {
	Opcode uint16
	Seq    uint16
	Status uint16
	// Short is set when the request arrived out of line
	Short bool
	// Dropped is set when no response was written
	Dropped bool
}

type linkState struct {
	up        bool
	speedMbps int
}

type portCounters struct {
	tx hsi.PortStats
	rx hsi.PortStats
}

type simGroup struct {
	id            uint16
	cmpl, rx, agg uint16
	statCtx       uint32
}

type simVnic struct {
	id      uint16
	dflt    bool
	group   uint16
	mru     int
	enabled bool
}

// New returns a powered-on NIC with the link up
func New(cfg Config) (*NIC, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("sim: a memory resolver is required")
	}
	if cfg.Caps == (Caps{}) {
		cfg.Caps = DefaultCaps()
	}
	if cfg.Version == (Version{}) {
		cfg.Version = DefaultVersion()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	n := &NIC{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "sim"),
		regs: mmio.NewWindow(WindowSize),
		link: linkState{up: true, speedMbps: 25000},
	}
	n.wipe()
	return n, nil
}

// wipe forgets every resource, as a function reset does
func (n *NIC) wipe() {
	n.rings = make(map[uint16]*simRing)
	n.slots = make(map[uint16]uint16)
	n.statCtxs = make(map[uint32]uint64)
	n.groups = make(map[uint16]*simGroup)
	n.groupSeq = nil
	n.vnics = make(map[uint16]*simVnic)
	n.asyncCQ = constants.InvalidID
	n.nextRing, n.nextStat, n.nextGroup, n.nextVnic = 1, 1, 1, 1
	n.events = hsi.FuncDrvRgtrInput{}
}

// Generation returns the doorbell generation the NIC decodes
func (n *NIC) Generation() doorbell.Generation {
	return n.cfg.Generation
}

func (n *NIC) lock() {
	n.mu.Lock()
}

// unlock releases the simulator and then delivers interrupts raised while
// it was held
func (n *NIC) unlock() {
	vecs := n.raise
	n.raise = nil
	n.mu.Unlock()
	if n.cfg.Raise == nil {
		return
	}
	for _, v := range vecs {
		n.cfg.Raise(v)
	}
}

func (n *NIC) Read32(off uint32) uint32 {
	return n.regs.Read32(off)
}

func (n *NIC) Write32(off uint32, v uint32) {
	switch {
	case off >= hsi.REG_DB_BASE:
		n.lock()
		defer n.unlock()
		n.legacyDoorbell(off, v)
	case off == hsi.REG_HWRM_TRIGGER:
		n.lock()
		defer n.unlock()
		n.legacyCommand()
	default:
		n.regs.Write32(off, v)
	}
}

func (n *NIC) Write64(off uint32, v uint64) {
	switch {
	case off >= hsi.REG_DB_BASE:
		n.lock()
		defer n.unlock()
		n.p5Doorbell(v)
	case off == hsi.REG_HWRM_REQ_DB:
		n.lock()
		defer n.unlock()
		n.p5Command(v)
	default:
		n.regs.Write64(off, v)
	}
}

// MAC returns the station address FUNC_QCAPS reports
func (n *NIC) MAC() [6]byte {
	return n.cfg.Caps.MAC
}

// Commands returns every command processed since creation
func (n *NIC) Commands() []Command {
	n.lock()
	defer n.unlock()
	return append([]Command(nil), n.commands...)
}

// Opcodes returns the opcodes of every processed command, in order
func (n *NIC) Opcodes() []uint16 {
	n.lock()
	defer n.unlock()
	out := make([]uint16, len(n.commands))
	for i, c := range n.commands {
		out[i] = c.Opcode
	}
	return out
}

// Transmitted returns copies of the most recent transmitted frames
func (n *NIC) Transmitted() [][]byte {
	n.lock()
	defer n.unlock()
	return append([][]byte(nil), n.sent...)
}

// RingCount returns the number of bound rings of a type
func (n *NIC) RingCount(typ uint8) int {
	n.lock()
	defer n.unlock()
	return n.countRings(typ)
}

func (n *NIC) countRings(typ uint8) int {
	c := 0
	for _, r := range n.rings {
		if r.typ == typ {
			c++
		}
	}
	return c
}

// Bound returns the total number of bound firmware resources: rings,
// statistics contexts, ring groups and VNICs
func (n *NIC) Bound() int {
	n.lock()
	defer n.unlock()
	return len(n.rings) + len(n.statCtxs) + len(n.groups) + len(n.vnics)
}

func (n *NIC) StatCtxCount() int {
	n.lock()
	defer n.unlock()
	return len(n.statCtxs)
}

func (n *NIC) GroupCount() int {
	n.lock()
	defer n.unlock()
	return len(n.groups)
}

func (n *NIC) VnicCount() int {
	n.lock()
	defer n.unlock()
	return len(n.vnics)
}

// Resets returns how many FUNC_RESET commands completed
func (n *NIC) Resets() int {
	n.lock()
	defer n.unlock()
	return n.resets
}

// Halted reports whether the firmware is in the fatal state
func (n *NIC) Halted() bool {
	n.lock()
	defer n.unlock()
	return n.halted
}

// EventRegistered reports whether the driver asked for an async event
func (n *NIC) EventRegistered(id uint16) bool {
	n.lock()
	defer n.unlock()
	return n.events.HasAsyncEvent(id)
}
