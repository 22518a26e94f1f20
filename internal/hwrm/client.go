package hwrm

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

// Issuer sends one raw command. *Channel implements it.
type Issuer interface {
	Issue(ctx context.Context, opcode uint16, input []byte, timeout time.Duration) ([]byte, error)
}

// Client wraps an Issuer with typed firmware commands
type Client struct {
	ch Issuer
}

func NewClient(ch Issuer) *Client {
	return &Client{ch: ch}
}

func (c *Client) call(ctx context.Context, opcode uint16, in any, out any) error {
	var payload []byte
	if in != nil {
		payload = hsi.Marshal(in)
	}
	resp, err := c.ch.Issue(ctx, opcode, payload, 0)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := hsi.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", OpcodeName(opcode), err)
	}
	return nil
}

// VersionInfo is what VER_GET reports
type VersionInfo struct {
	Firmware       string
	Interface      string
	ChipNum        uint16
	MaxReqLen      int
	DefaultTimeout time.Duration
	ShortCmd       bool
}

func (c *Client) VerGet(ctx context.Context) (VersionInfo, error) {
	var out hsi.VerGetOutput
	if err := c.call(ctx, hsi.HWRM_VER_GET, nil, &out); err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{
		Firmware:       fmt.Sprintf("%d.%d.%d.%d", out.FwMajor, out.FwMinor, out.FwBuild, out.FwPatch),
		Interface:      fmt.Sprintf("%d.%d", out.InterfaceMajor, out.InterfaceMinor),
		ChipNum:        out.ChipNum,
		MaxReqLen:      int(out.MaxReqLen),
		DefaultTimeout: time.Duration(out.DefaultTimeoutMs) * time.Millisecond,
		ShortCmd:       out.DevCapsFlags&(hsi.VER_GET_DEV_CAPS_SHORT_CMD_SUPPORTED|hsi.VER_GET_DEV_CAPS_SHORT_CMD_REQUIRED) != 0,
	}, nil
}

// Caps are the per-function resource limits from FUNC_QCAPS
type Caps struct {
	FID          uint16
	PortID       uint16
	MaxCmplRings int
	MaxTxRings   int
	MaxRxRings   int
	MaxStatCtx   int
	MaxRingGrps  int
	MaxVnics     int
	MAC          [6]byte
}

func (c *Client) FuncQcaps(ctx context.Context) (Caps, error) {
	var out hsi.FuncQcapsOutput
	if err := c.call(ctx, hsi.HWRM_FUNC_QCAPS, nil, &out); err != nil {
		return Caps{}, err
	}
	return Caps{
		FID:          out.FID,
		PortID:       out.PortID,
		MaxCmplRings: int(out.MaxCmplRings),
		MaxTxRings:   int(out.MaxTxRings),
		MaxRxRings:   int(out.MaxRxRings),
		MaxStatCtx:   int(out.MaxStatCtx),
		MaxRingGrps:  int(out.MaxRingGrps),
		MaxVnics:     int(out.MaxVnics),
		MAC:          out.MAC,
	}, nil
}

func (c *Client) FuncReset(ctx context.Context) error {
	return c.call(ctx, hsi.HWRM_FUNC_RESET, &hsi.FuncResetInput{}, nil)
}

// FuncDrvRgtr registers the driver and the async events it wants forwarded
func (c *Client) FuncDrvRgtr(ctx context.Context, events []uint16) error {
	in := hsi.FuncDrvRgtrInput{}
	for _, id := range events {
		in.SetAsyncEvent(id)
	}
	return c.call(ctx, hsi.HWRM_FUNC_DRV_RGTR, &in, nil)
}

func (c *Client) FuncDrvUnrgtr(ctx context.Context) error {
	return c.call(ctx, hsi.HWRM_FUNC_DRV_UNRGTR, nil, nil)
}

// StatCtxAlloc binds a statistics block at bus and returns its context ID
func (c *Client) StatCtxAlloc(ctx context.Context, bus uint64, period time.Duration) (uint32, error) {
	in := hsi.StatCtxAllocInput{StatsDMAAddr: bus, UpdatePeriodMs: uint32(period / time.Millisecond)}
	var out hsi.StatCtxAllocOutput
	if err := c.call(ctx, hsi.HWRM_STAT_CTX_ALLOC, &in, &out); err != nil {
		return 0, err
	}
	return out.StatCtxID, nil
}

func (c *Client) StatCtxFree(ctx context.Context, id uint32) error {
	return c.call(ctx, hsi.HWRM_STAT_CTX_FREE, &hsi.StatCtxFreeInput{StatCtxID: id}, nil)
}

// RingAlloc binds a ring and returns its hardware ID
func (c *Client) RingAlloc(ctx context.Context, in hsi.RingAllocInput) (uint16, error) {
	var out hsi.RingAllocOutput
	if err := c.call(ctx, hsi.HWRM_RING_ALLOC, &in, &out); err != nil {
		return 0, err
	}
	return out.RingID, nil
}

func (c *Client) RingFree(ctx context.Context, typ uint8, id uint16) error {
	return c.call(ctx, hsi.HWRM_RING_FREE, &hsi.RingFreeInput{RingType: typ, RingID: id}, nil)
}

func (c *Client) RingGrpAlloc(ctx context.Context, cr, rr, ar uint16, sc uint32) (uint16, error) {
	in := hsi.RingGrpAllocInput{CR: cr, RR: rr, AR: ar, SC: sc}
	var out hsi.RingGrpAllocOutput
	if err := c.call(ctx, hsi.HWRM_RING_GRP_ALLOC, &in, &out); err != nil {
		return 0, err
	}
	return uint16(out.RingGroupID), nil
}

func (c *Client) RingGrpFree(ctx context.Context, id uint16) error {
	return c.call(ctx, hsi.HWRM_RING_GRP_FREE, &hsi.RingGrpFreeInput{RingGroupID: uint32(id)}, nil)
}

func (c *Client) VnicAlloc(ctx context.Context, dflt bool) (uint16, error) {
	in := hsi.VnicAllocInput{}
	if dflt {
		in.Flags = hsi.VNIC_ALLOC_FLAGS_DEFAULT
	}
	var out hsi.VnicAllocOutput
	if err := c.call(ctx, hsi.HWRM_VNIC_ALLOC, &in, &out); err != nil {
		return 0, err
	}
	return uint16(out.VnicID), nil
}

// VnicCfg steers the VNIC's traffic to a ring group
func (c *Client) VnicCfg(ctx context.Context, vnic, grp uint16, mru int) error {
	in := hsi.VnicCfgInput{VnicID: vnic, DfltRingGrp: grp, MRU: uint16(mru)}
	return c.call(ctx, hsi.HWRM_VNIC_CFG, &in, nil)
}

func (c *Client) VnicFree(ctx context.Context, vnic uint16) error {
	return c.call(ctx, hsi.HWRM_VNIC_FREE, &hsi.VnicFreeInput{VnicID: uint32(vnic)}, nil)
}

// LinkInfo is the port state from PORT_PHY_QCFG
type LinkInfo struct {
	Up        bool
	SpeedMbps int
	FullDup   bool
}

func (c *Client) PortPhyQcfg(ctx context.Context, port uint16) (LinkInfo, error) {
	var out hsi.PortPhyQcfgOutput
	if err := c.call(ctx, hsi.HWRM_PORT_PHY_QCFG, &hsi.PortPhyQcfgInput{PortID: port}, &out); err != nil {
		return LinkInfo{}, err
	}
	return LinkInfo{
		Up:        out.Link == hsi.PORT_PHY_QCFG_LINK_LINK,
		SpeedMbps: int(out.LinkSpeed) * 100,
		FullDup:   out.Duplex != 0,
	}, nil
}

// PortQstats asks firmware to write port counters into the two host blocks
func (c *Client) PortQstats(ctx context.Context, port uint16, tx, rx uint64) error {
	in := hsi.PortQstatsInput{PortID: port, TxStatHostAddr: tx, RxStatHostAddr: rx}
	return c.call(ctx, hsi.HWRM_PORT_QSTATS, &in, nil)
}
