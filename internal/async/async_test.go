package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-bnxt/internal/hsi"
	"github.com/ehrlich-b/go-bnxt/internal/logging"
	"github.com/ehrlich-b/go-bnxt/internal/taskq"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   hsi.AsyncEvent
		want Class
	}{
		{"link status", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_STATUS_CHANGE}, LinkChanged},
		{"link speed", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_SPEED_CHANGE}, LinkChanged},
		{"reset fatal", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_RESET_NOTIFY, Data1: hsi.RESET_NOTIFY_REASON_FATAL}, Fatal},
		{"reset non-fatal", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_RESET_NOTIFY, Data1: hsi.RESET_NOTIFY_REASON_NON_FATAL}, Fatal},
		{"recovery enabled", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_ERROR_RECOVERY, Data1: hsi.ERROR_RECOVERY_RECOVERY_ENABLED | hsi.ERROR_RECOVERY_MASTER_FUNC}, Fatal},
		{"recovery disabled", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_ERROR_RECOVERY, Data1: hsi.ERROR_RECOVERY_MASTER_FUNC}, Unhandled},
		{"mtu", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_MTU_CHANGE}, ConfigChanged},
		{"dcb", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_DCB_CONFIG_CHANGE}, ConfigChanged},
		{"port conn", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_PORT_CONN_NOT_ALLOWED}, ConfigChanged},
		{"speed cfg not allowed", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_SPEED_CFG_NOT_ALLOWED}, ConfigChanged},
		{"speed cfg", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_SPEED_CFG_CHANGE}, ConfigChanged},
		{"phy cfg", hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_PORT_PHY_CFG_CHANGE}, ConfigChanged},
		{"unknown", hsi.AsyncEvent{ID: 0x42}, Unhandled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ev))
		})
	}
}

func TestClassifyIsTotal(t *testing.T) {
	for id := 0; id <= 0xffff; id++ {
		c := Classify(hsi.AsyncEvent{ID: uint16(id), Data1: 0xffffffff})
		require.True(t, c >= Unhandled && c < numClasses, "event %d", id)
	}
}

func TestRegisteredEventsAreHandled(t *testing.T) {
	for _, id := range Events() {
		ev := hsi.AsyncEvent{ID: id, Data1: hsi.ERROR_RECOVERY_RECOVERY_ENABLED}
		assert.NotEqual(t, Unhandled, Classify(ev), "event %d", id)
	}
}

func TestSinkEnqueuesTasks(t *testing.T) {
	q := taskq.New(logging.Nop())
	var ran []string
	sink := NewSink(Handlers{
		LinkChanged: func(hsi.AsyncEvent) {
			q.Enqueue("link", func(context.Context) { ran = append(ran, "link") })
		},
		Fatal: func(hsi.AsyncEvent) {
			q.Enqueue("recover", func(context.Context) { ran = append(ran, "recover") })
		},
	}, logging.Nop())

	assert.Equal(t, LinkChanged, sink.Dispatch(hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_STATUS_CHANGE}))
	assert.Equal(t, LinkChanged, sink.Dispatch(hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_SPEED_CHANGE}))
	assert.Equal(t, Fatal, sink.Dispatch(hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_RESET_NOTIFY}))
	// no handler registered for config changes
	assert.Equal(t, ConfigChanged, sink.Dispatch(hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_MTU_CHANGE}))
	assert.Equal(t, Unhandled, sink.Dispatch(hsi.AsyncEvent{ID: 0x99}))

	// handlers only queued work
	assert.Empty(t, ran)
	q.RunPending(context.Background())
	assert.Equal(t, []string{"link", "recover"}, ran)

	assert.Equal(t, uint64(2), sink.Count(LinkChanged))
	assert.Equal(t, uint64(1), sink.Count(Fatal))
	assert.Equal(t, uint64(1), sink.Count(ConfigChanged))
	assert.Equal(t, uint64(1), sink.Count(Unhandled))
}

func TestHandleCompletion(t *testing.T) {
	var got hsi.AsyncEvent
	sink := NewSink(Handlers{Fatal: func(ev hsi.AsyncEvent) { got = ev }}, logging.Nop())
	ev := hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_RESET_NOTIFY, Data1: hsi.RESET_NOTIFY_REASON_FATAL, Data2: 7}

	require.NoError(t, sink.HandleCompletion(nil, hsi.AsyncEventCompletion(ev, true)))
	assert.Equal(t, ev, got)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "class(9)", Class(9).String())
}
