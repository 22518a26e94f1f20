package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

// commWindowSize is the span of the legacy communication window
const commWindowSize = hsi.REG_HWRM_TRIGGER - hsi.REG_HWRM_COMM_WINDOW

// legacyCommand reads the request out of the communication window
func (n *NIC) legacyCommand() {
	buf := make([]byte, commWindowSize)
	for off := 0; off < commWindowSize; off += 4 {
		binary.LittleEndian.PutUint32(buf[off:], n.regs.Read32(hsi.REG_HWRM_COMM_WINDOW+uint32(off)))
	}
	n.command(buf)
}

// p5Command reads the request from host memory
func (n *NIC) p5Command(bus uint64) {
	hdr, err := n.cfg.Memory.Resolve(bus, hsi.RequestHeaderSize)
	if err != nil {
		n.log.Warn("command doorbell points at unmapped memory", "addr", fmt.Sprintf("0x%x", bus), "error", err)
		return
	}
	var h hsi.RequestHeader
	hsi.Unmarshal(hdr, &h)
	if hsi.IsShortRequest(hdr) {
		n.command(hdr)
		return
	}
	full, err := n.cfg.Memory.Resolve(bus, hsi.RequestHeaderSize+int(h.Len))
	if err != nil {
		n.log.Warn("command payload points at unmapped memory", "opcode", h.Opcode, "error", err)
		return
	}
	n.command(full)
}

// command decodes a request, runs it and writes the response
func (n *NIC) command(raw []byte) {
	short := hsi.IsShortRequest(raw)
	if short {
		var sr hsi.ShortRequest
		if err := hsi.Unmarshal(raw, &sr); err != nil || sr.Signature != hsi.HWRM_SHORT_REQ_SIGNATURE {
			n.log.Warn("bad short command header", "signature", sr.Signature)
			return
		}
		hdr, err := n.cfg.Memory.Resolve(sr.ReqAddr, hsi.RequestHeaderSize)
		if err != nil {
			n.log.Warn("short command points at unmapped memory", "opcode", sr.Opcode, "error", err)
			return
		}
		var h hsi.RequestHeader
		hsi.Unmarshal(hdr, &h)
		if raw, err = n.cfg.Memory.Resolve(sr.ReqAddr, hsi.RequestHeaderSize+int(h.Len)); err != nil {
			n.log.Warn("short command payload points at unmapped memory", "opcode", sr.Opcode, "error", err)
			return
		}
	}

	var h hsi.RequestHeader
	if err := hsi.Unmarshal(raw, &h); err != nil {
		return
	}
	end := min(len(raw), hsi.RequestHeaderSize+int(h.Len))
	payload := raw[hsi.RequestHeaderSize:end]

	rec := Command{Opcode: h.Opcode, Seq: h.Seq, Short: short}
	if n.faults.take(n.faults.drop, h.Opcode) {
		rec.Dropped = true
		n.commands = append(n.commands, rec)
		n.log.Debug("dropping command", "opcode", h.Opcode, "seq", h.Seq)
		return
	}

	var body []byte
	status := uint16(hsi.HWRM_ERR_CODE_SUCCESS)
	if f, found := n.faults.fail[h.Opcode]; found && n.faults.take(n.faults.failCount, h.Opcode) {
		status = f
	} else if n.halted && h.Opcode != hsi.HWRM_VER_GET && h.Opcode != hsi.HWRM_FUNC_RESET {
		status = hsi.HWRM_ERR_CODE_HWRM_ERROR
	} else {
		body, status = n.handle(h.Opcode, payload)
	}
	rec.Status = status
	n.commands = append(n.commands, rec)
	n.respond(h, status, body)
}

// respond writes the body, then the header with the valid key last
func (n *NIC) respond(h hsi.RequestHeader, status uint16, body []byte) {
	mem, err := n.cfg.Memory.Resolve(h.RespAddr, hsi.ResponseHeaderSize+len(body))
	if err != nil {
		n.log.Warn("response buffer unmapped", "opcode", h.Opcode, "addr", fmt.Sprintf("0x%x", h.RespAddr))
		return
	}
	copy(mem[hsi.ResponseHeaderSize:], body)
	hsi.PublishResponse(hsi.ResponseHeader{Status: status, Seq: h.Seq, Len: uint16(len(body)), Valid: hsi.HWRM_RESP_VALID_KEY}, mem)

	// completion notices are best effort and never crowd out async events
	if cq := n.rings[n.asyncCQ]; cq != nil && cq.space() > cq.size/2 {
		n.post(cq, hsi.Completion{Type: hsi.CMPL_BASE_TYPE_HWRM_DONE, Opaque: uint32(h.Seq)})
	}
}

func (n *NIC) handle(opcode uint16, in []byte) ([]byte, uint16) {
	switch opcode {
	case hsi.HWRM_VER_GET:
		return n.verGet()
	case hsi.HWRM_FUNC_QCAPS:
		return n.funcQcaps()
	case hsi.HWRM_FUNC_RESET:
		return n.funcReset()
	case hsi.HWRM_FUNC_DRV_RGTR:
		return n.drvRgtr(in)
	case hsi.HWRM_FUNC_DRV_UNRGTR:
		n.events = hsi.FuncDrvRgtrInput{}
		return nil, hsi.HWRM_ERR_CODE_SUCCESS
	case hsi.HWRM_STAT_CTX_ALLOC:
		return n.statCtxAlloc(in)
	case hsi.HWRM_STAT_CTX_FREE:
		return n.statCtxFree(in)
	case hsi.HWRM_RING_ALLOC:
		return n.ringAlloc(in)
	case hsi.HWRM_RING_FREE:
		return n.ringFree(in)
	case hsi.HWRM_RING_GRP_ALLOC:
		return n.ringGrpAlloc(in)
	case hsi.HWRM_RING_GRP_FREE:
		return n.ringGrpFree(in)
	case hsi.HWRM_VNIC_ALLOC:
		return n.vnicAlloc(in)
	case hsi.HWRM_VNIC_CFG:
		return n.vnicCfg(in)
	case hsi.HWRM_VNIC_FREE:
		return n.vnicFree(in)
	case hsi.HWRM_PORT_PHY_QCFG:
		return n.portPhyQcfg()
	case hsi.HWRM_PORT_QSTATS:
		return n.portQstats(in)
	default:
		return nil, hsi.HWRM_ERR_CODE_CMD_NOT_SUPPORTED
	}
}

func reply(out any) ([]byte, uint16) {
	return hsi.Marshal(out), hsi.HWRM_ERR_CODE_SUCCESS
}

func reject(status uint16) ([]byte, uint16) {
	return nil, status
}

func (n *NIC) verGet() ([]byte, uint16) {
	v := n.cfg.Version
	return reply(&hsi.VerGetOutput{
		FwMajor:          v.Major,
		FwMinor:          v.Minor,
		FwBuild:          v.Build,
		FwPatch:          v.Patch,
		InterfaceMajor:   1,
		InterfaceMinor:   10,
		ChipNum:          v.ChipNum,
		MaxReqLen:        uint16(v.MaxReqLen),
		DefaultTimeoutMs: uint16(v.DefaultTimeoutMs),
		DevCapsFlags:     hsi.VER_GET_DEV_CAPS_SHORT_CMD_SUPPORTED,
	})
}

func (n *NIC) funcQcaps() ([]byte, uint16) {
	c := n.cfg.Caps
	return reply(&hsi.FuncQcapsOutput{
		FID:          0xffff,
		PortID:       0,
		MaxCmplRings: uint16(c.MaxCmplRings),
		MaxTxRings:   uint16(c.MaxTxRings),
		MaxRxRings:   uint16(c.MaxRxRings),
		MaxStatCtx:   uint16(c.MaxStatCtx),
		MaxRingGrps:  uint16(c.MaxRingGrps),
		MaxVnics:     uint16(c.MaxVnics),
		MAC:          c.MAC,
	})
}

func (n *NIC) funcReset() ([]byte, uint16) {
	n.wipe()
	n.halted = false
	n.resets++
	n.log.Info("function reset", "resets", n.resets)
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) drvRgtr(in []byte) ([]byte, uint16) {
	var req hsi.FuncDrvRgtrInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	n.events = req
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) statCtxAlloc(in []byte) ([]byte, uint16) {
	var req hsi.StatCtxAllocInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if len(n.statCtxs) >= n.cfg.Caps.MaxStatCtx {
		return reject(hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR)
	}
	mem, err := n.cfg.Memory.Resolve(req.StatsDMAAddr, hsi.Size(&hsi.CtxStats{}))
	if err != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	hsi.StoreCtxStats(mem, hsi.CtxStats{})

	id := n.nextStat
	n.nextStat++
	n.statCtxs[id] = req.StatsDMAAddr
	return reply(&hsi.StatCtxAllocOutput{StatCtxID: id})
}

func (n *NIC) statCtxFree(in []byte) ([]byte, uint16) {
	var req hsi.StatCtxFreeInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if _, live := n.statCtxs[req.StatCtxID]; !live {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	for _, r := range n.rings {
		if r.typ != hsi.RING_TYPE_L2_CMPL && r.statCtx == req.StatCtxID {
			return reject(hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED)
		}
	}
	delete(n.statCtxs, req.StatCtxID)
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) ringLimit(typ uint8) int {
	switch typ {
	case hsi.RING_TYPE_L2_CMPL:
		return n.cfg.Caps.MaxCmplRings
	case hsi.RING_TYPE_TX:
		return n.cfg.Caps.MaxTxRings
	case hsi.RING_TYPE_RX, hsi.RING_TYPE_RX_AGG:
		return n.cfg.Caps.MaxRxRings
	default:
		return 0
	}
}

func (n *NIC) ringAlloc(in []byte) ([]byte, uint16) {
	var req hsi.RingAllocInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	size := req.Length
	if size == 0 || size&(size-1) != 0 || size > constants.MaxRingSize {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	limit := n.ringLimit(req.RingType)
	if limit == 0 {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if n.countRings(req.RingType) >= limit {
		return reject(hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR)
	}
	if req.LogicalID >= MaxDoorbells {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if _, taken := n.slots[req.LogicalID]; taken {
		return reject(hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR)
	}
	// CMPL_SIZE and BD_SIZE are both 16 bytes
	mem, err := n.cfg.Memory.Resolve(req.PageTblAddr, int(size)*hsi.BD_SIZE)
	if err != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}

	r := &simRing{
		typ:     req.RingType,
		slot:    req.LogicalID,
		mem:     mem,
		size:    size,
		cmpl:    req.CmplRingID,
		statCtx: req.StatCtxID,
	}
	if req.RingType == hsi.RING_TYPE_L2_CMPL {
		r.intMode = req.IntMode
		r.vector = req.MsixVector
		r.cmpl = constants.InvalidID
	} else {
		c, live := n.rings[req.CmplRingID]
		if !live || c.typ != hsi.RING_TYPE_L2_CMPL {
			return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
		}
		if _, live := n.statCtxs[req.StatCtxID]; !live {
			return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
		}
	}

	for n.rings[n.nextRing] != nil || n.nextRing == constants.InvalidID || n.nextRing == 0 {
		n.nextRing++
	}
	r.id = n.nextRing
	n.nextRing++
	n.rings[r.id] = r
	n.slots[r.slot] = r.id
	if r.typ == hsi.RING_TYPE_L2_CMPL && n.asyncCQ == constants.InvalidID {
		n.asyncCQ = r.id
	}
	return reply(&hsi.RingAllocOutput{RingID: r.id, LogicalRingID: r.slot})
}

func (n *NIC) ringFree(in []byte) ([]byte, uint16) {
	var req hsi.RingFreeInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	r, live := n.rings[req.RingID]
	if !live || r.typ != req.RingType {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	// a ring stays bound while anything refers to it
	for _, o := range n.rings {
		if o.cmpl == r.id {
			return reject(hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED)
		}
	}
	for _, g := range n.groups {
		if g.cmpl == r.id || g.rx == r.id || g.agg == r.id {
			return reject(hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED)
		}
	}
	delete(n.rings, r.id)
	delete(n.slots, r.slot)
	if n.asyncCQ == r.id {
		n.asyncCQ = constants.InvalidID
	}
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) ringOfType(id uint16, typ uint8) bool {
	r, live := n.rings[id]
	return live && r.typ == typ
}

func (n *NIC) ringGrpAlloc(in []byte) ([]byte, uint16) {
	var req hsi.RingGrpAllocInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if len(n.groups) >= n.cfg.Caps.MaxRingGrps {
		return reject(hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR)
	}
	_, statLive := n.statCtxs[req.SC]
	if !statLive || !n.ringOfType(req.CR, hsi.RING_TYPE_L2_CMPL) ||
		!n.ringOfType(req.RR, hsi.RING_TYPE_RX) || !n.ringOfType(req.AR, hsi.RING_TYPE_RX_AGG) {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	g := &simGroup{id: n.nextGroup, cmpl: req.CR, rx: req.RR, agg: req.AR, statCtx: req.SC}
	n.nextGroup++
	n.groups[g.id] = g
	n.groupSeq = append(n.groupSeq, g.id)
	return reply(&hsi.RingGrpAllocOutput{RingGroupID: uint32(g.id)})
}

func (n *NIC) ringGrpFree(in []byte) ([]byte, uint16) {
	var req hsi.RingGrpFreeInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	id := uint16(req.RingGroupID)
	if _, live := n.groups[id]; !live {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	for _, v := range n.vnics {
		if v.group == id {
			return reject(hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED)
		}
	}
	delete(n.groups, id)
	for i, g := range n.groupSeq {
		if g == id {
			n.groupSeq = append(n.groupSeq[:i], n.groupSeq[i+1:]...)
			break
		}
	}
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) vnicAlloc(in []byte) ([]byte, uint16) {
	var req hsi.VnicAllocInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if len(n.vnics) >= n.cfg.Caps.MaxVnics {
		return reject(hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR)
	}
	v := &simVnic{id: n.nextVnic, dflt: req.Flags&hsi.VNIC_ALLOC_FLAGS_DEFAULT != 0, group: constants.InvalidID}
	n.nextVnic++
	n.vnics[v.id] = v
	return reply(&hsi.VnicAllocOutput{VnicID: uint32(v.id)})
}

func (n *NIC) vnicCfg(in []byte) ([]byte, uint16) {
	var req hsi.VnicCfgInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	v, live := n.vnics[req.VnicID]
	if !live {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if _, live := n.groups[req.DfltRingGrp]; !live {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	v.group = req.DfltRingGrp
	v.mru = int(req.MRU)
	v.enabled = true
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) vnicFree(in []byte) ([]byte, uint16) {
	var req hsi.VnicFreeInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	if _, live := n.vnics[uint16(req.VnicID)]; !live {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	delete(n.vnics, uint16(req.VnicID))
	return nil, hsi.HWRM_ERR_CODE_SUCCESS
}

func (n *NIC) portPhyQcfg() ([]byte, uint16) {
	out := hsi.PortPhyQcfgOutput{Link: hsi.PORT_PHY_QCFG_LINK_NO_LINK}
	if n.link.up {
		out.Link = hsi.PORT_PHY_QCFG_LINK_LINK
		out.Duplex = 1
		out.LinkSpeed = uint16(n.link.speedMbps / 100)
	}
	return reply(&out)
}

func (n *NIC) portQstats(in []byte) ([]byte, uint16) {
	var req hsi.PortQstatsInput
	if hsi.Unmarshal(in, &req) != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	size := hsi.Size(&hsi.PortStats{})
	tx, err := n.cfg.Memory.Resolve(req.TxStatHostAddr, size)
	if err != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	rx, err := n.cfg.Memory.Resolve(req.RxStatHostAddr, size)
	if err != nil {
		return reject(hsi.HWRM_ERR_CODE_INVALID_PARAMS)
	}
	hsi.StorePortStats(tx, n.port.tx)
	hsi.StorePortStats(rx, n.port.rx)
	return reply(&hsi.PortQstatsOutput{TxStatSize: uint16(size), RxStatSize: uint16(size)})
}
