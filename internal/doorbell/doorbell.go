// Package doorbell implements the two hardware doorbell encodings. The
// encoding is chosen once per device from its chip generation.
package doorbell

import (
	"fmt"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/mmio"
)

// Generation selects the doorbell encoding
type Generation int

const (
	// Legacy chips take a 32-bit key|index doorbell per ring
	Legacy Generation = iota
	// P5 chips take a 64-bit doorbell carrying path, type, XID and index
	P5
)

func (g Generation) String() string {
	switch g {
	case Legacy:
		return "legacy"
	case P5:
		return "p5"
	default:
		return fmt.Sprintf("generation(%d)", int(g))
	}
}

// ParseGeneration maps "legacy" or "p5" to a Generation
func ParseGeneration(s string) (Generation, error) {
	switch s {
	case "legacy", "":
		return Legacy, nil
	case "p5", "thor":
		return P5, nil
	default:
		return 0, fmt.Errorf("unknown chip generation %q", s)
	}
}

// Target identifies the doorbell of one ring
type Target struct {
	// Offset of the doorbell register in the doorbell BAR
	Offset uint32
	// XID is the hardware ring ID; only the P5 encoding carries it
	XID uint16
}

// Writer rings doorbells. Every method issues a store fence before the
// register write so descriptor memory is visible before the notification.
//
// The interface is sealed: the only implementations are the two returned by
// New.
type Writer interface {
	Generation() Generation
	// TX publishes a new TX producer index
	TX(t Target, prod uint32)
	// RX publishes a new RX or AGG producer index
	RX(t Target, prod uint32)
	// CQ publishes the completion consumer index; arm enables the interrupt
	CQ(t Target, cons uint32, arm bool)
	// MaskCQ disables the completion interrupt without moving the consumer
	// index. It is safe from interrupt context.
	MaskCQ(t Target)

	sealed()
}

// New returns the Writer for a chip generation
func New(gen Generation, regs mmio.Registers) (Writer, error) {
	if regs == nil {
		return nil, fmt.Errorf("doorbell: nil register window")
	}
	switch gen {
	case Legacy:
		return legacyWriter{regs: regs}, nil
	case P5:
		return p5Writer{regs: regs}, nil
	default:
		return nil, fmt.Errorf("doorbell: unsupported %s", gen)
	}
}

// TargetFor returns the doorbell slot of the n-th ring in the doorbell BAR
func TargetFor(n int, xid uint16) Target {
	return Target{Offset: hsi.REG_DB_BASE + uint32(n)*hsi.DB_STRIDE, XID: xid}
}

type legacyWriter struct {
	regs mmio.Registers
}

func (legacyWriter) Generation() Generation { return Legacy }
func (legacyWriter) sealed()                {}

func (w legacyWriter) TX(t Target, prod uint32) {
	mmio.Sfence()
	w.regs.Write32(t.Offset, hsi.LegacyDoorbell(hsi.DB_KEY_TX, prod))
}

func (w legacyWriter) RX(t Target, prod uint32) {
	mmio.Sfence()
	w.regs.Write32(t.Offset, hsi.LegacyDoorbell(hsi.DB_KEY_RX, prod))
}

func (w legacyWriter) CQ(t Target, cons uint32, arm bool) {
	mmio.Sfence()
	w.regs.Write32(t.Offset, hsi.LegacyCmplDoorbell(cons, arm))
}

func (w legacyWriter) MaskCQ(t Target) {
	w.regs.Write32(t.Offset, hsi.LegacyCmplMask())
}

type p5Writer struct {
	regs mmio.Registers
}

func (p5Writer) Generation() Generation { return P5 }
func (p5Writer) sealed()                {}

func (w p5Writer) TX(t Target, prod uint32) {
	mmio.Sfence()
	w.regs.Write64(t.Offset, hsi.P5Doorbell(hsi.DBR_TYPE_SQ, uint32(t.XID), prod))
}

func (w p5Writer) RX(t Target, prod uint32) {
	mmio.Sfence()
	w.regs.Write64(t.Offset, hsi.P5Doorbell(hsi.DBR_TYPE_SRQ, uint32(t.XID), prod))
}

func (w p5Writer) CQ(t Target, cons uint32, arm bool) {
	typ := uint64(hsi.DBR_TYPE_CQ)
	if arm {
		typ = hsi.DBR_TYPE_CQ_ARMALL
	}
	mmio.Sfence()
	w.regs.Write64(t.Offset, hsi.P5Doorbell(typ, uint32(t.XID), cons))
}

// CQ_ARMALL arms for a single interrupt, so a raised P5 queue is already
// masked
func (p5Writer) MaskCQ(Target) {}
