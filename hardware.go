package bnxt

import (
	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/intr"
	"github.com/ehrlich-b/go-bnxt/internal/mmio"
)

// Registers is the register window of one BAR. Offsets are in bytes and
// naturally aligned for the access width.
type Registers = mmio.Registers

// RegisterWindow is a Registers implementation over mapped or plain memory
type RegisterWindow = mmio.Window

// DMAAllocator hands out zeroed DMA regions
type DMAAllocator = dma.Allocator

// DMARegion is one DMA allocation: the CPU view and the bus address
type DMARegion = dma.Region

// InterruptRegistrar binds MSI-X vectors to top-half callbacks
type InterruptRegistrar = intr.Registrar

// InterruptHandle is a registered vector
type InterruptHandle = intr.Handle

// MmapAllocator serves page-aligned anonymous mappings whose bus address is
// the virtual address (an identity-mapped IOMMU domain)
type MmapAllocator = dma.MmapAllocator

// EventfdRegistrar gives every vector an eventfd that VFIO or UIO signals
type EventfdRegistrar = intr.EventfdRegistrar

// MapRegisters maps size bytes of a register resource file, such as
// /sys/bus/pci/devices/<addr>/resource0
func MapRegisters(path string, size int) (*RegisterWindow, error) {
	return mmio.MapFile(path, size)
}

// NewMmapAllocator returns an allocator backed by anonymous mappings,
// mlock'ed when lock is set. Linux only.
func NewMmapAllocator(lock bool) *MmapAllocator {
	return dma.NewMmapAllocator(lock)
}

// NewEventfdRegistrar returns an interrupt registrar with one eventfd line
// per vector. Linux only.
func NewEventfdRegistrar(logger *Logger) *EventfdRegistrar {
	return intr.NewEventfdRegistrar(logger)
}
