package hwrm

import (
	"fmt"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

var opcodeNames = map[uint16]string{
	hsi.HWRM_VER_GET:         "VER_GET",
	hsi.HWRM_FUNC_RESET:      "FUNC_RESET",
	hsi.HWRM_FUNC_QCAPS:      "FUNC_QCAPS",
	hsi.HWRM_FUNC_DRV_UNRGTR: "FUNC_DRV_UNRGTR",
	hsi.HWRM_FUNC_DRV_RGTR:   "FUNC_DRV_RGTR",
	hsi.HWRM_PORT_PHY_QCFG:   "PORT_PHY_QCFG",
	hsi.HWRM_VNIC_ALLOC:      "VNIC_ALLOC",
	hsi.HWRM_VNIC_FREE:       "VNIC_FREE",
	hsi.HWRM_VNIC_CFG:        "VNIC_CFG",
	hsi.HWRM_RING_ALLOC:      "RING_ALLOC",
	hsi.HWRM_RING_FREE:       "RING_FREE",
	hsi.HWRM_RING_GRP_ALLOC:  "RING_GRP_ALLOC",
	hsi.HWRM_RING_GRP_FREE:   "RING_GRP_FREE",
	hsi.HWRM_PORT_QSTATS:     "PORT_QSTATS",
	hsi.HWRM_STAT_CTX_ALLOC:  "STAT_CTX_ALLOC",
	hsi.HWRM_STAT_CTX_FREE:   "STAT_CTX_FREE",
}

// OpcodeName returns the command name used in logs and errors
func OpcodeName(op uint16) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode 0x%x", op)
}

// StatusName describes a firmware status code
func StatusName(status uint16) string {
	switch status {
	case hsi.HWRM_ERR_CODE_SUCCESS:
		return "success"
	case hsi.HWRM_ERR_CODE_FAIL:
		return "failed"
	case hsi.HWRM_ERR_CODE_INVALID_PARAMS:
		return "invalid parameters"
	case hsi.HWRM_ERR_CODE_RESOURCE_ACCESS_DENIED:
		return "resource access denied"
	case hsi.HWRM_ERR_CODE_RESOURCE_ALLOC_ERROR:
		return "resource allocation error"
	case hsi.HWRM_ERR_CODE_INVALID_FLAGS:
		return "invalid flags"
	case hsi.HWRM_ERR_CODE_INVALID_ENABLES:
		return "invalid enables"
	case hsi.HWRM_ERR_CODE_HWRM_ERROR:
		return "firmware error"
	case hsi.HWRM_ERR_CODE_CMD_NOT_SUPPORTED:
		return "command not supported"
	default:
		return fmt.Sprintf("status 0x%x", status)
	}
}
