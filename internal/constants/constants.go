package constants

import "time"

// Default ring geometry
const (
	// DefaultRxRingSize is the default number of RX buffer descriptors per ring
	DefaultRxRingSize = 512

	// DefaultAggRingSize is the default number of aggregation buffer descriptors
	DefaultAggRingSize = 1024

	// DefaultTxRingSize is the default number of TX buffer descriptors per ring
	DefaultTxRingSize = 512

	// DefaultCmplRingSize is the default completion ring size.
	// Sized to hold one RX and one AGG completion per posted buffer.
	DefaultCmplRingSize = 2048

	// DefaultDefCmplRingSize is the size of the device-wide default completion ring
	DefaultDefCmplRingSize = 256

	// DefaultRxBufferSize is the size of each posted RX buffer in bytes
	DefaultRxBufferSize = 2048

	// DefaultAggBufferSize is the size of each aggregation buffer in bytes
	DefaultAggBufferSize = 4096

	// DefaultRxQueues is the default number of RX queue sets
	DefaultRxQueues = 1

	// DefaultTxQueues is the default number of TX sets
	DefaultTxQueues = 1

	// MaxRingSize bounds every ring; hardware indexes are 24 bits wide
	MaxRingSize = 1 << 16
)

// Command channel defaults
const (
	// DefaultCommandTimeout is the per-command timeout when the caller passes zero
	DefaultCommandTimeout = 500 * time.Millisecond

	// DefaultCommandPollInterval is how often the response buffer is polled
	DefaultCommandPollInterval = 200 * time.Microsecond

	// DefaultMaxInlineRequest is the largest request sent inline in the request buffer
	DefaultMaxInlineRequest = 128

	// CommandBufferSize is the size of the request and response DMA buffers
	CommandBufferSize = 4096
)

// Admin and recovery timing
const (
	// DefaultAdminInterval is the period of the admin status check
	DefaultAdminInterval = time.Second

	// DefaultStallTicks is how many admin ticks a TX ring may hold work
	// without completion progress before recovery is triggered
	DefaultStallTicks = 3

	// DefaultPollInterval is the completion poll period when interrupts are disabled
	DefaultPollInterval = time.Millisecond

	// DefaultRecoveryInitialBackoff is the first delay between re-attach attempts
	DefaultRecoveryInitialBackoff = 50 * time.Millisecond

	// DefaultRecoveryMaxElapsed bounds the total time spent re-attaching
	DefaultRecoveryMaxElapsed = 30 * time.Second

	// DefaultDrainBudget is the maximum completions handled per drain pass
	DefaultDrainBudget = 64
)

// Hardware identifiers
const (
	// InvalidID marks a 16-bit hardware identifier that has not been assigned
	InvalidID uint16 = 0xffff

	// InvalidStatCtx marks a 32-bit statistics context that has not been assigned
	InvalidStatCtx uint32 = 0xffffffff
)

// Doorbell layout
const (
	// MaxDoorbellSlots is the number of per-ring doorbell slots in the
	// register window. Slot 0 belongs to the default completion queue.
	MaxDoorbellSlots = 256

	// DefaultMTU is the default L2 payload size; the VNIC MRU adds the
	// Ethernet header, one VLAN tag and the FCS
	DefaultMTU = 1500

	// L2Overhead is the bytes an MRU adds to the MTU
	L2Overhead = 14 + 4 + 4
)
