package bnxt

import "github.com/ehrlich-b/go-bnxt/internal/constants"

// Re-export constants for public API
const (
	DefaultRxRingSize      = constants.DefaultRxRingSize
	DefaultAggRingSize     = constants.DefaultAggRingSize
	DefaultTxRingSize      = constants.DefaultTxRingSize
	DefaultCmplRingSize    = constants.DefaultCmplRingSize
	DefaultDefCmplRingSize = constants.DefaultDefCmplRingSize
	DefaultRxBufferSize    = constants.DefaultRxBufferSize
	DefaultAggBufferSize   = constants.DefaultAggBufferSize
	DefaultCommandTimeout  = constants.DefaultCommandTimeout
	DefaultAdminInterval   = constants.DefaultAdminInterval
	DefaultMTU             = constants.DefaultMTU
	L2Overhead             = constants.L2Overhead
	MaxRingSize            = constants.MaxRingSize
	InvalidID              = constants.InvalidID
)
