package mmio

import "sync/atomic"

// barrierDummy is the target of the fence operations below.
// On x86-64 atomic.AddInt64 compiles to LOCK XADD, a full fence.
var barrierDummy int64

// Sfence orders all prior stores before any later store. It must run between
// writing descriptors into DMA memory and writing the doorbell register.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence issues a full memory fence equivalent.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
