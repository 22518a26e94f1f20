package hsi

// RequestHeader starts every firmware request (16 bytes).
//
//	struct input {
//	  __le16 req_type;   // opcode
//	  __le16 seq_id;
//	  __le16 len;        // payload length following the header
//	  __le16 flags;      // HWRM_REQ_FLAG_*
//	  __le64 resp_addr;  // bus address of the response buffer
//	};
type RequestHeader struct {
	Opcode   uint16
	Seq      uint16
	Len      uint16
	Flags    uint16
	RespAddr uint64
}

// ShortRequest replaces the inline request when the payload does not fit
// (16 bytes). ReqAddr points at a full RequestHeader plus payload.
type ShortRequest struct {
	Opcode    uint16
	Seq       uint16
	Signature uint16
	Flags     uint16 // always has HWRM_REQ_FLAG_SHORT
	ReqAddr   uint64
}

// ResponseHeader starts every firmware response (8 bytes).
type ResponseHeader struct {
	Status uint16
	Seq    uint16
	Len    uint16
	Valid  uint16
}

const (
	RequestHeaderSize  = 16
	ResponseHeaderSize = 8
)

// VerGetOutput is the HWRM_VER_GET response
type VerGetOutput struct {
	FwMajor          uint8
	FwMinor          uint8
	FwBuild          uint8
	FwPatch          uint8
	InterfaceMajor   uint8
	InterfaceMinor   uint8
	ChipNum          uint16
	MaxReqLen        uint16
	DefaultTimeoutMs uint16
	DevCapsFlags     uint32
}

// VerGet capability flags
const (
	VER_GET_DEV_CAPS_SHORT_CMD_SUPPORTED = 1 << 2
	VER_GET_DEV_CAPS_SHORT_CMD_REQUIRED  = 1 << 3
)

// FuncQcapsOutput is the HWRM_FUNC_QCAPS response
type FuncQcapsOutput struct {
	FID          uint16
	PortID       uint16
	MaxCmplRings uint16
	MaxTxRings   uint16
	MaxRxRings   uint16
	MaxStatCtx   uint16
	MaxRingGrps  uint16
	MaxVnics     uint16
	MAC          [6]byte
	Pad          uint16
}

// FuncResetInput is the HWRM_FUNC_RESET request
type FuncResetInput struct {
	Enables uint32
	Level   uint8
	Pad     [3]uint8
}

// FuncDrvRgtrInput is the HWRM_FUNC_DRV_RGTR request
type FuncDrvRgtrInput struct {
	Flags            uint32
	OSType           uint16
	Pad              uint16
	AsyncEventBitmap [8]uint32
}

// SetAsyncEvent marks an async event ID for forwarding
func (in *FuncDrvRgtrInput) SetAsyncEvent(id uint16) {
	in.AsyncEventBitmap[id/32] |= 1 << (id % 32)
}

// HasAsyncEvent reports whether an async event ID is registered
func (in *FuncDrvRgtrInput) HasAsyncEvent(id uint16) bool {
	return in.AsyncEventBitmap[id/32]&(1<<(id%32)) != 0
}

// StatCtxAllocInput is the HWRM_STAT_CTX_ALLOC request
type StatCtxAllocInput struct {
	StatsDMAAddr   uint64
	UpdatePeriodMs uint32
	Pad            uint32
}

// StatCtxAllocOutput is the HWRM_STAT_CTX_ALLOC response
type StatCtxAllocOutput struct {
	StatCtxID uint32
	Pad       uint32
}

// StatCtxFreeInput is the HWRM_STAT_CTX_FREE request
type StatCtxFreeInput struct {
	StatCtxID uint32
	Pad       uint32
}

// RingAllocInput is the HWRM_RING_ALLOC request
type RingAllocInput struct {
	RingType    uint8
	Pad0        uint8
	LogicalID   uint16
	Length      uint32
	PageTblAddr uint64
	CmplRingID  uint16
	MsixVector  uint16 // completion rings only
	StatCtxID   uint32
	IntMode     uint8 // RING_ALLOC_INT_MODE_*
	Pad2        [7]uint8
}

// RingAllocOutput is the HWRM_RING_ALLOC response
type RingAllocOutput struct {
	RingID        uint16
	LogicalRingID uint16
	Pad           uint32
}

// RingFreeInput is the HWRM_RING_FREE request
type RingFreeInput struct {
	RingType uint8
	Pad0     uint8
	RingID   uint16
	Pad1     uint32
}

// RingGrpAllocInput is the HWRM_RING_GRP_ALLOC request
type RingGrpAllocInput struct {
	CR   uint16
	RR   uint16
	AR   uint16
	Pad  uint16
	SC   uint32
	Pad1 uint32
}

// RingGrpAllocOutput is the HWRM_RING_GRP_ALLOC response
type RingGrpAllocOutput struct {
	RingGroupID uint32
	Pad         uint32
}

// RingGrpFreeInput is the HWRM_RING_GRP_FREE request
type RingGrpFreeInput struct {
	RingGroupID uint32
	Pad         uint32
}

// VnicAllocInput is the HWRM_VNIC_ALLOC request
type VnicAllocInput struct {
	Flags uint32
	Pad   uint32
}

const VNIC_ALLOC_FLAGS_DEFAULT = 1 << 0

// VnicAllocOutput is the HWRM_VNIC_ALLOC response
type VnicAllocOutput struct {
	VnicID uint32
	Pad    uint32
}

// VnicCfgInput is the HWRM_VNIC_CFG request
type VnicCfgInput struct {
	Flags       uint32
	VnicID      uint16
	DfltRingGrp uint16
	MRU         uint16
	Pad         [6]uint8
}

// VnicFreeInput is the HWRM_VNIC_FREE request
type VnicFreeInput struct {
	VnicID uint32
	Pad    uint32
}

// PortPhyQcfgInput is the HWRM_PORT_PHY_QCFG request
type PortPhyQcfgInput struct {
	PortID uint16
	Pad    [6]uint8
}

// PortPhyQcfgOutput is the HWRM_PORT_PHY_QCFG response
type PortPhyQcfgOutput struct {
	Link      uint8
	Duplex    uint8
	Pause     uint8
	Pad0      uint8
	LinkSpeed uint16 // in units of 100 Mbps
	Pad1      uint16
}

// PortQstatsInput is the HWRM_PORT_QSTATS request
type PortQstatsInput struct {
	PortID         uint16
	Pad            [6]uint8
	TxStatHostAddr uint64
	RxStatHostAddr uint64
}

// PortQstatsOutput is the HWRM_PORT_QSTATS response
type PortQstatsOutput struct {
	TxStatSize uint16
	RxStatSize uint16
	Pad        uint32
}

// PortStats is the block firmware writes to the RX or TX stat host address
type PortStats struct {
	Packets uint64
	Bytes   uint64
	Drops   uint64
	Errors  uint64
}

// CtxStats is the per-ring statistics block firmware maintains in the
// stat context's DMA memory
type CtxStats struct {
	TxPkts  uint64
	TxBytes uint64
	TxDrops uint64
	RxPkts  uint64
	RxBytes uint64
	RxDrops uint64
	RxErrs  uint64
	AggBufs uint64
}

// Statistics blocks are rewritten by firmware while the host reads them, so
// they are accessed one atomic word at a time. b must be 8-byte aligned.

// LoadCtxStats reads a CtxStats block from DMA memory
func LoadCtxStats(b []byte) (CtxStats, error) {
	var w [8]uint64
	if err := loadUint64s(b, w[:]); err != nil {
		return CtxStats{}, err
	}
	return CtxStats{
		TxPkts: w[0], TxBytes: w[1], TxDrops: w[2],
		RxPkts: w[3], RxBytes: w[4], RxDrops: w[5], RxErrs: w[6],
		AggBufs: w[7],
	}, nil
}

// StoreCtxStats writes a CtxStats block into DMA memory
func StoreCtxStats(b []byte, s CtxStats) error {
	return storeUint64s(b, []uint64{
		s.TxPkts, s.TxBytes, s.TxDrops,
		s.RxPkts, s.RxBytes, s.RxDrops, s.RxErrs,
		s.AggBufs,
	})
}

// LoadPortStats reads a PortStats block from DMA memory
func LoadPortStats(b []byte) (PortStats, error) {
	var w [4]uint64
	if err := loadUint64s(b, w[:]); err != nil {
		return PortStats{}, err
	}
	return PortStats{Packets: w[0], Bytes: w[1], Drops: w[2], Errors: w[3]}, nil
}

// StorePortStats writes a PortStats block into DMA memory
func StorePortStats(b []byte, s PortStats) error {
	return storeUint64s(b, []uint64{s.Packets, s.Bytes, s.Drops, s.Errors})
}
