package hwrm

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-bnxt/internal/dma"
	"github.com/ehrlich-b/go-bnxt/internal/doorbell"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/mmio"
)

// Notifier tells firmware that a request is ready in the request buffer
type Notifier interface {
	Notify(req *dma.Region, n int)
}

// NewNotifier returns the notifier for a chip generation. Legacy chips copy
// the request into the GRC communication window and write the trigger
// register; P5 chips write the request buffer's bus address to the command
// doorbell.
func NewNotifier(gen doorbell.Generation, regs mmio.Registers) Notifier {
	if gen == doorbell.P5 {
		return p5Notifier{regs: regs}
	}
	return legacyNotifier{regs: regs}
}

type legacyNotifier struct {
	regs mmio.Registers
}

func (l legacyNotifier) Notify(req *dma.Region, n int) {
	for off := 0; off < n; off += 4 {
		var word [4]byte
		copy(word[:], req.Virt[off:min(off+4, n)])
		l.regs.Write32(hsi.REG_HWRM_COMM_WINDOW+uint32(off), binary.LittleEndian.Uint32(word[:]))
	}
	mmio.Sfence()
	l.regs.Write32(hsi.REG_HWRM_TRIGGER, 1)
}

type p5Notifier struct {
	regs mmio.Registers
}

func (p p5Notifier) Notify(req *dma.Region, n int) {
	mmio.Sfence()
	p.regs.Write64(hsi.REG_HWRM_REQ_DB, req.Bus)
}
