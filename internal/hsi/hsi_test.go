package hsi

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyDoorbell(t *testing.T) {
	tests := []struct {
		name string
		key  uint32
		idx  uint32
		want uint32
	}{
		{"tx", DB_KEY_TX, 5, 0x00000005},
		{"rx", DB_KEY_RX, 0x1ff, 0x100001ff},
		{"index truncated to 24 bits", DB_KEY_RX, 0x1234567, 0x10234567},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LegacyDoorbell(tt.key, tt.idx)
			assert.Equal(t, tt.want, got)
			f := UnpackLegacyDoorbell(got)
			assert.Equal(t, tt.key, f.Key)
			assert.Equal(t, tt.idx&DB_IDX_MASK, f.Index)
		})
	}
}

func TestLegacyCmplDoorbell(t *testing.T) {
	armed := UnpackLegacyDoorbell(LegacyCmplDoorbell(17, true))
	assert.Equal(t, uint32(DB_KEY_CMPL), armed.Key)
	assert.Equal(t, uint32(17), armed.Index)
	assert.True(t, armed.IdxValid)
	assert.False(t, armed.Masked)

	masked := UnpackLegacyDoorbell(LegacyCmplDoorbell(17, false))
	assert.True(t, masked.Masked)
}

func TestP5Doorbell(t *testing.T) {
	types := []uint64{DBR_TYPE_SQ, DBR_TYPE_RQ, DBR_TYPE_CQ, DBR_TYPE_CQ_ARMALL, DBR_TYPE_NQ, DBR_TYPE_NQ_ARM}
	for _, typ := range types {
		v := P5Doorbell(typ, 0x3a, 0xabcdef)
		f := UnpackP5Doorbell(v)
		assert.Equal(t, typ, f.Type)
		assert.Equal(t, uint64(DBR_PATH_L2), f.Path)
		assert.Equal(t, uint32(0x3a), f.XID)
		assert.Equal(t, uint32(0xabcdef), f.Index)
		assert.True(t, f.Valid)
	}

	// 0x3a<<32 | L2 path | valid | CQ_ARMALL | idx
	assert.Equal(t, uint64(0x650000_3a_00000010), P5Doorbell(DBR_TYPE_CQ_ARMALL, 0x3a, 0x10))
}

func TestCompletionRoundTrip(t *testing.T) {
	buf := make([]byte, CMPL_SIZE)
	in := Completion{
		Type:   CMPL_BASE_TYPE_RX_L2,
		Flags:  0x155,
		Len:    1500,
		Opaque: 0xdeadbeef,
		Info:   3,
		Errors: RX_CMPL_ERRORS_CRC,
		Valid:  true,
	}
	require.NoError(t, EncodeCompletion(in, buf))

	out, err := DecodeCompletion(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, uint8(CMPL_BASE_TYPE_RX_L2), CompletionType(buf))
	assert.True(t, CompletionValid(buf))
	assert.Equal(t, 3, RxAggBufs(out))

	SetCompletionValid(buf, false)
	assert.False(t, CompletionValid(buf))
	out, err = DecodeCompletion(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(RX_CMPL_ERRORS_CRC), out.Errors)

	_, err = DecodeCompletion(buf[:8])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

// Only word 3 may be touched before the valid bit is seen; run with -race.
func TestCompletionPublishAcrossGoroutines(t *testing.T) {
	const n = 64
	backing := make([]uint32, n*CMPL_SIZE/4)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), len(backing)*4)
	entry := func(i int) []byte { return mem[i*CMPL_SIZE : (i+1)*CMPL_SIZE] }

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			EncodeCompletion(Completion{Type: CMPL_BASE_TYPE_TX_L2, Len: uint16(i), Opaque: uint32(i), Valid: true}, entry(i))
		}
	}()

	for i := 0; i < n; i++ {
		for !CompletionValid(entry(i)) {
			runtime.Gosched()
		}
		c, err := DecodeCompletion(entry(i))
		require.NoError(t, err)
		assert.Equal(t, uint32(i), c.Opaque)
		assert.Equal(t, uint16(i), c.Len)
	}
	<-done
}

func TestAsyncEventCompletion(t *testing.T) {
	ev := AsyncEvent{ID: ASYNC_EVENT_RESET_NOTIFY, Data1: RESET_NOTIFY_REASON_FATAL, Data2: 9}
	c := AsyncEventCompletion(ev, true)
	assert.Equal(t, uint8(CMPL_BASE_TYPE_HWRM_ASYNC_EVENT), c.Type)
	assert.Equal(t, ev, AsyncEventFrom(c))
}

func TestBufferDescriptor(t *testing.T) {
	slot := make([]byte, BD_SIZE)
	bd := BufferDescriptor{FlagsType: RX_BD_TYPE_PKT, Len: 2048, Opaque: 7, Addr: 0x1000_2000}
	PutBufferDescriptor(slot, bd)
	got, err := GetBufferDescriptor(slot)
	require.NoError(t, err)
	assert.Equal(t, bd, got)
}

func TestHeaderMarshal(t *testing.T) {
	req := &RequestHeader{Opcode: HWRM_RING_ALLOC, Seq: 42, Len: 32, RespAddr: 0xfeed0000}
	buf := Marshal(req)
	require.Len(t, buf, RequestHeaderSize)
	assert.False(t, IsShortRequest(buf))

	var back RequestHeader
	require.NoError(t, Unmarshal(buf, &back))
	assert.Equal(t, *req, back)

	short := &ShortRequest{Opcode: HWRM_VNIC_CFG, Seq: 43, Signature: HWRM_SHORT_REQ_SIGNATURE, Flags: HWRM_REQ_FLAG_SHORT, ReqAddr: 0xabc000}
	buf = Marshal(short)
	assert.True(t, IsShortRequest(buf))
	var shortBack ShortRequest
	require.NoError(t, Unmarshal(buf, &shortBack))
	assert.Equal(t, *short, shortBack)

	resp := &ResponseHeader{Status: HWRM_ERR_CODE_INVALID_PARAMS, Seq: 42, Len: 8, Valid: HWRM_RESP_VALID_KEY}
	buf = Marshal(resp)
	require.Len(t, buf, ResponseHeaderSize)
	var respBack ResponseHeader
	require.NoError(t, Unmarshal(buf, &respBack))
	assert.Equal(t, *resp, respBack)

	assert.ErrorIs(t, Unmarshal(buf[:4], &respBack), ErrInsufficientData)
}

func TestPublishResponse(t *testing.T) {
	words := make([]uint64, 2)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), 16)
	assert.False(t, ResponseValid(buf))

	resp := ResponseHeader{Status: HWRM_ERR_CODE_FAIL, Seq: 7, Len: 12, Valid: HWRM_RESP_VALID_KEY}
	require.NoError(t, PublishResponse(resp, buf))
	assert.True(t, ResponseValid(buf))
	assert.Equal(t, Marshal(&resp), buf[:ResponseHeaderSize], "same layout as Marshal")

	ClearResponse(buf)
	assert.False(t, ResponseValid(buf))
	assert.Equal(t, make([]byte, ResponseHeaderSize), buf[:ResponseHeaderSize])

	assert.ErrorIs(t, PublishResponse(resp, buf[:4]), ErrInsufficientData)
	assert.False(t, ResponseValid(buf[:4]))
}

func TestPayloadSizes(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
		want int
	}{
		{"RingAllocInput", &RingAllocInput{}, 32},
		{"RingAllocOutput", &RingAllocOutput{}, 8},
		{"RingGrpAllocInput", &RingGrpAllocInput{}, 16},
		{"StatCtxAllocInput", &StatCtxAllocInput{}, 16},
		{"VnicCfgInput", &VnicCfgInput{}, 16},
		{"FuncDrvRgtrInput", &FuncDrvRgtrInput{}, 40},
		{"FuncQcapsOutput", &FuncQcapsOutput{}, 24},
		{"PortQstatsInput", &PortQstatsInput{}, 24},
		{"CtxStats", &CtxStats{}, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Size(tt.v))
			assert.Len(t, Marshal(tt.v), tt.want)
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := &RingAllocInput{
		RingType:    RING_TYPE_RX,
		LogicalID:   3,
		Length:      512,
		PageTblAddr: 0x7f000000,
		CmplRingID:  9,
		StatCtxID:   2,
	}
	var out RingAllocInput
	require.NoError(t, Unmarshal(Marshal(in), &out))
	assert.Equal(t, *in, out)

	var short RingAllocInput
	assert.ErrorIs(t, Unmarshal(make([]byte, 4), &short), ErrInsufficientData)
}

func TestAsyncEventBitmap(t *testing.T) {
	var in FuncDrvRgtrInput
	in.SetAsyncEvent(ASYNC_EVENT_LINK_STATUS_CHANGE)
	in.SetAsyncEvent(ASYNC_EVENT_RESET_NOTIFY)
	in.SetAsyncEvent(40)

	assert.True(t, in.HasAsyncEvent(ASYNC_EVENT_RESET_NOTIFY))
	assert.True(t, in.HasAsyncEvent(40))
	assert.False(t, in.HasAsyncEvent(ASYNC_EVENT_LINK_MTU_CHANGE))
	assert.Equal(t, uint32(1<<8|1), in.AsyncEventBitmap[0])
	assert.Equal(t, uint32(1<<8), in.AsyncEventBitmap[1])
}

func TestStatsBlocksRoundTrip(t *testing.T) {
	words := make([]uint64, 8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), 64)

	in := CtxStats{TxPkts: 1, TxBytes: 2, TxDrops: 3, RxPkts: 4, RxBytes: 5, RxDrops: 6, RxErrs: 7, AggBufs: 8}
	require.NoError(t, StoreCtxStats(b, in))
	out, err := LoadCtxStats(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// same layout as the binary encoding
	var decoded CtxStats
	require.NoError(t, Unmarshal(b, &decoded))
	assert.Equal(t, in, decoded)

	ps := PortStats{Packets: 10, Bytes: 20, Drops: 30, Errors: 40}
	require.NoError(t, StorePortStats(b, ps))
	got, err := LoadPortStats(b)
	require.NoError(t, err)
	assert.Equal(t, ps, got)

	_, err = LoadCtxStats(b[:16])
	assert.ErrorIs(t, err, ErrInsufficientData)
}
