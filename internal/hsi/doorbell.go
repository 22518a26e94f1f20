package hsi

// LegacyDoorbell packs a 32-bit doorbell value: key | index.
func LegacyDoorbell(key uint32, idx uint32) uint32 {
	return (key & DB_KEY_MASK) | (idx & DB_IDX_MASK)
}

// LegacyCmplDoorbell packs a completion ring doorbell. When arm is false the
// interrupt for the ring stays masked.
func LegacyCmplDoorbell(cons uint32, arm bool) uint32 {
	v := uint32(DB_KEY_CMPL) | DB_CMPL_IDX_VALID | (cons & DB_IDX_MASK)
	if !arm {
		v |= DB_CMPL_MASK
	}
	return v
}

// LegacyCmplMask masks a completion ring's interrupt without an index; the
// hardware consumer is left where it is
func LegacyCmplMask() uint32 {
	return uint32(DB_KEY_CMPL) | DB_CMPL_MASK
}

// LegacyFields is the unpacked form of a 32-bit doorbell
type LegacyFields struct {
	Key      uint32
	Index    uint32
	IdxValid bool
	Masked   bool
}

// UnpackLegacyDoorbell splits a 32-bit doorbell into its fields
func UnpackLegacyDoorbell(v uint32) LegacyFields {
	return LegacyFields{
		Key:      v & DB_KEY_MASK,
		Index:    v & DB_IDX_MASK,
		IdxValid: v&DB_CMPL_IDX_VALID != 0,
		Masked:   v&DB_CMPL_MASK != 0,
	}
}

// P5Doorbell packs a 64-bit doorbell for an L2 ring.
func P5Doorbell(typ uint64, xid uint32, idx uint32) uint64 {
	return DBR_PATH_L2 | DBR_VALID |
		(typ & DBR_TYPE_MASK) |
		((uint64(xid) << DBR_XID_SHIFT) & DBR_XID_MASK) |
		uint64(idx&DBR_INDEX_MASK)
}

// P5Fields is the unpacked form of a 64-bit doorbell
type P5Fields struct {
	Type  uint64
	Path  uint64
	XID   uint32
	Index uint32
	Valid bool
}

// UnpackP5Doorbell splits a 64-bit doorbell into its fields
func UnpackP5Doorbell(v uint64) P5Fields {
	return P5Fields{
		Type:  v & DBR_TYPE_MASK,
		Path:  v & DBR_PATH_MASK,
		XID:   uint32((v & DBR_XID_MASK) >> DBR_XID_SHIFT),
		Index: uint32(v & DBR_INDEX_MASK),
		Valid: v&DBR_VALID != 0,
	}
}
