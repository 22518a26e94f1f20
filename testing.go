package bnxt

import (
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/intr"
	"github.com/ehrlich-b/go-bnxt/internal/sim"
)

// SimConfig configures a simulated NIC
type SimConfig = sim.Config

// SimCaps are the resource limits a simulated NIC reports
type SimCaps = sim.Caps

// SimulatedNIC is a simulated bnxt-class NIC. Besides serving the
// register window it offers fault injection (InjectFatal, SetLink, StallTx,
// FailCommand, DropCommand) and introspection (Bound, Commands,
// Transmitted) for tests.
type SimulatedNIC = sim.NIC

// SimHost selects the host resources simulated hardware works against.
// The zero value is heap memory and a software vector table.
type SimHost struct {
	// Mmap backs DMA memory with anonymous mappings (Linux)
	Mmap bool
	// Lock mlocks each mapping
	Lock bool
	// Eventfd delivers interrupts through eventfd lines (Linux), so top
	// halves run on their own goroutines as with VFIO
	Eventfd bool
}

// SimMemory is the host memory a simulated NIC reads and writes
type SimMemory interface {
	DMAAllocator
	Resolve(bus uint64, n int) ([]byte, error)
	Outstanding() (regions int, bytes int)
}

// SimulatedHardware is a simulated NIC together with the host resources it
// works against. This is useful for testing applications without a real
// device.
type SimulatedHardware struct {
	NIC    *SimulatedNIC
	Memory SimMemory
	// Vectors is the software vector table; nil with eventfd lines
	Vectors *intr.Table
	// Lines are the eventfd interrupt lines; nil with the vector table
	Lines *EventfdRegistrar
}

// NewSimulatedHardware returns simulated hardware of the given generation
// with default capabilities and the link up
func NewSimulatedHardware(gen Generation) (*SimulatedHardware, error) {
	return NewSimulatedHardwareWith(SimConfig{Generation: gen})
}

// NewSimulatedHardwareWith builds simulated hardware from cfg on heap memory.
// A nil Raise delivers through the vector table.
func NewSimulatedHardwareWith(cfg SimConfig) (*SimulatedHardware, error) {
	return NewSimulatedHardwareOn(cfg, SimHost{})
}

// NewSimulatedHardwareOn builds simulated hardware from cfg on the given
// host resources. A nil Raise delivers through the vector table or the
// eventfd lines.
func NewSimulatedHardwareOn(cfg SimConfig, host SimHost) (*SimulatedHardware, error) {
	s := &SimulatedHardware{}
	if host.Mmap {
		s.Memory = dma.NewMmapAllocator(host.Lock)
	} else {
		s.Memory = dma.NewHeapAllocator(0)
	}

	var raise func(int)
	if host.Eventfd {
		s.Lines = intr.NewEventfdRegistrar(cfg.Logger)
		raise = func(vector int) { s.Lines.Fire(vector) }
	} else {
		s.Vectors = intr.NewTable(sim.MaxDoorbells)
		raise = func(vector int) { s.Vectors.Fire(vector) }
	}

	cfg.Memory = s.Memory
	if cfg.Raise == nil {
		cfg.Raise = raise
	}
	nic, err := sim.New(cfg)
	if err != nil {
		return nil, err
	}
	s.NIC = nic
	return s, nil
}

// Hardware returns the collaborators Attach takes
func (s *SimulatedHardware) Hardware() Hardware {
	hw := Hardware{Regs: s.NIC, Alloc: s.Memory}
	if s.Lines != nil {
		hw.Interrupts = s.Lines
	} else {
		hw.Interrupts = s.Vectors
	}
	return hw
}

// Outstanding returns the DMA regions still allocated and their size. It
// is zero once a device is detached.
func (s *SimulatedHardware) Outstanding() (regions int, bytes int) {
	return s.Memory.Outstanding()
}
