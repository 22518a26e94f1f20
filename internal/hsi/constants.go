// Package hsi provides the hardware/software interface definitions for bnxt-class NICs
package hsi

// Firmware command opcodes (HWRM request types)
const (
	HWRM_VER_GET         = 0x00
	HWRM_FUNC_RESET      = 0x11
	HWRM_FUNC_QCAPS      = 0x15
	HWRM_FUNC_DRV_UNRGTR = 0x1a
	HWRM_FUNC_DRV_RGTR   = 0x1d
	HWRM_PORT_PHY_QCFG   = 0x27
	HWRM_VNIC_ALLOC      = 0x40
	HWRM_VNIC_FREE       = 0x41
	HWRM_VNIC_CFG        = 0x42
	HWRM_RING_ALLOC      = 0x50
	HWRM_RING_FREE       = 0x51
	HWRM_RING_GRP_ALLOC  = 0x60
	HWRM_RING_GRP_FREE   = 0x61
	HWRM_PORT_QSTATS     = 0x75
	HWRM_STAT_CTX_ALLOC  = 0xb0
	HWRM_STAT_CTX_FREE   = 0xb1
)

// Firmware status codes carried in the response header
const (
	HWRM_ERR_CODE_SUCCESS                = 0x0
	HWRM_ERR_CODE_FAIL                   = 0x1
	HWRM_ERR_CODE_INVALID_PARAMS         = 0x2
	HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED = 0x3
	HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR   = 0x4
	HWRM_ERR_CODE_INVALID_FLAGS          = 0x5
	HWRM_ERR_CODE_INVALID_ENABLES        = 0x6
	HWRM_ERR_CODE_HWRM_ERROR             = 0xf
	HWRM_ERR_CODE_UNKNOWN_ERR            = 0xfffe
	HWRM_ERR_CODE_CMD_NOT_SUPPORTED      = 0xffff
)

// Request header flags
const (
	HWRM_REQ_FLAG_SHORT = 1 << 0 // payload lives out of line at ReqAddr
)

// Response header valid key, written last by firmware
const HWRM_RESP_VALID_KEY = 0x1

// HWRM_SHORT_REQ_SIGNATURE tags a short command header
const HWRM_SHORT_REQ_SIGNATURE = 0x4321

// HWRM_NA_SIGNATURE marks an unassigned hardware identifier
const HWRM_NA_SIGNATURE = 0xffffffff

// Ring types for RING_ALLOC / RING_FREE
const (
	RING_TYPE_L2_CMPL = 0x0
	RING_TYPE_TX      = 0x1
	RING_TYPE_RX      = 0x2
	RING_TYPE_RX_AGG  = 0x4
	RING_TYPE_NQ      = 0x5
)

// Interrupt modes for completion rings in RING_ALLOC
const (
	RING_ALLOC_INT_MODE_LEGACY = 0x0
	RING_ALLOC_INT_MODE_MSIX   = 0x2
	RING_ALLOC_INT_MODE_POLL   = 0x3
)

// Completion entry types (low 6 bits of word 0)
const (
	CMPL_BASE_TYPE_MASK             = 0x3f
	CMPL_BASE_TYPE_TX_L2            = 0x00
	CMPL_BASE_TYPE_RX_L2            = 0x11
	CMPL_BASE_TYPE_RX_AGG           = 0x12
	CMPL_BASE_TYPE_STAT_EJECT       = 0x1a
	CMPL_BASE_TYPE_HWRM_DONE        = 0x20
	CMPL_BASE_TYPE_HWRM_ASYNC_EVENT = 0x2e
	CMPL_BASE_TYPE_CQ_NOTIFICATION  = 0x30
)

// Completion valid/generation bit: bit 31 of word 3
const CMPL_BASE_V = 1 << 31

// Async event identifiers
const (
	ASYNC_EVENT_LINK_STATUS_CHANGE         = 0x00
	ASYNC_EVENT_LINK_MTU_CHANGE            = 0x01
	ASYNC_EVENT_LINK_SPEED_CHANGE          = 0x02
	ASYNC_EVENT_DCB_CONFIG_CHANGE          = 0x03
	ASYNC_EVENT_PORT_CONN_NOT_ALLOWED      = 0x04
	ASYNC_EVENT_LINK_SPEED_CFG_NOT_ALLOWED = 0x05
	ASYNC_EVENT_LINK_SPEED_CFG_CHANGE      = 0x06
	ASYNC_EVENT_PORT_PHY_CFG_CHANGE        = 0x07
	ASYNC_EVENT_RESET_NOTIFY               = 0x08
	ASYNC_EVENT_ERROR_RECOVERY             = 0x09
	ASYNC_EVENT_MAX                        = 0xff
)

// RESET_NOTIFY event_data1 reason codes
const (
	RESET_NOTIFY_REASON_MASK      = 0xff00
	RESET_NOTIFY_REASON_NON_FATAL = 0x1 << 8
	RESET_NOTIFY_REASON_FATAL     = 0x2 << 8
)

// ERROR_RECOVERY event_data1 flags
const (
	ERROR_RECOVERY_MASTER_FUNC      = 0x1
	ERROR_RECOVERY_RECOVERY_ENABLED = 0x2
)

// Legacy 32-bit doorbells: key | index
const (
	DB_KEY_SHIFT         = 28
	DB_KEY_MASK          = 0xf << DB_KEY_SHIFT
	DB_KEY_TX            = 0x0 << DB_KEY_SHIFT
	DB_KEY_RX            = 0x1 << DB_KEY_SHIFT
	DB_KEY_CMPL          = 0x2 << DB_KEY_SHIFT
	DB_CMPL_IDX_VALID    = 1 << 26
	DB_CMPL_MASK         = 1 << 27
	DB_IDX_MASK          = 0xffffff
	DB_LEGACY_FLAGS_MASK = DB_CMPL_IDX_VALID | DB_CMPL_MASK
)

// P5 64-bit doorbells
const (
	DBR_INDEX_MASK = 0xffffff
	DBR_XID_SHIFT  = 32
	DBR_XID_MASK   = 0xfffff << DBR_XID_SHIFT
	DBR_PATH_SHIFT = 56
	DBR_PATH_MASK  = 0x3 << DBR_PATH_SHIFT
	DBR_PATH_ROCE  = 0x0 << DBR_PATH_SHIFT
	DBR_PATH_L2    = 0x1 << DBR_PATH_SHIFT
	DBR_VALID      = 1 << 58
	DBR_TYPE_SHIFT = 60
	DBR_TYPE_MASK  = 0xf << DBR_TYPE_SHIFT
)

// P5 doorbell types, already shifted into bits 60-63
const (
	DBR_TYPE_SQ        = 0x0 << DBR_TYPE_SHIFT
	DBR_TYPE_RQ        = 0x1 << DBR_TYPE_SHIFT
	DBR_TYPE_SRQ       = 0x2 << DBR_TYPE_SHIFT
	DBR_TYPE_CQ        = 0x4 << DBR_TYPE_SHIFT
	DBR_TYPE_CQ_ARMALL = 0x6 << DBR_TYPE_SHIFT
	DBR_TYPE_NQ        = 0xa << DBR_TYPE_SHIFT
	DBR_TYPE_NQ_ARM    = 0xb << DBR_TYPE_SHIFT
)

// Register layout of the simulated BAR0/BAR1 windows
const (
	// GRC window holding the inline request of the legacy channel
	REG_HWRM_COMM_WINDOW = 0x0000
	// Legacy channel trigger: write 1 once the request is in the window
	REG_HWRM_TRIGGER = 0x0100
	// P5 channel: 64-bit bus address of the request buffer
	REG_HWRM_REQ_DB = 0x0108
	// First doorbell; every ring gets DB_STRIDE bytes
	REG_DB_BASE = 0x1000
	DB_STRIDE   = 0x80
)

// Buffer descriptor and completion sizes in bytes
const (
	BD_SIZE   = 16
	CMPL_SIZE = 16
)

// TX buffer descriptor flags
const (
	TX_BD_TYPE_SHORT       = 0x0
	TX_BD_FLAGS_PACKET_END = 1 << 6
	RX_BD_TYPE_PKT         = 0x4
	RX_BD_TYPE_AGG         = 0x6
)

// RX completion flags (high half of word 0) and error bits (word 3)
const (
	RX_CMPL_AGG_BUFS_MASK = 0x1f
	RX_CMPL_ERRORS_BUFFER = 1 << 0
	RX_CMPL_ERRORS_CRC    = 1 << 1
	RX_CMPL_ERRORS_MASK   = 0xff
)

// Link state reported by PORT_PHY_QCFG
const (
	PORT_PHY_QCFG_LINK_NO_LINK = 0x0
	PORT_PHY_QCFG_LINK_SIGNAL  = 0x1
	PORT_PHY_QCFG_LINK_LINK    = 0x2
)
