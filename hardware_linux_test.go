//go:build linux

package bnxt

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-bnxt/internal/logging"
)

func TestHostMappedSimulation(t *testing.T) {
	for _, gen := range generations {
		t.Run(gen.String(), func(t *testing.T) {
			hw, err := NewSimulatedHardwareOn(
				SimConfig{Generation: gen, Loopback: true, Logger: logging.Nop()},
				SimHost{Mmap: true, Eventfd: true},
			)
			require.NoError(t, err)
			assert.Nil(t, hw.Vectors)
			require.NotNil(t, hw.Lines)

			var rx frames
			d, err := Attach(context.Background(), hw.Hardware(), testParams(gen),
				&Options{Logger: logging.Nop(), Receiver: rx.receive})
			require.NoError(t, err)

			// interrupts arrive on the eventfd line goroutines
			const n = 40
			for i := 0; i < n; i++ {
				frame := pattern(64+i, byte(i))
				require.Eventually(t, func() bool {
					return d.Transmit(0, frame) == nil
				}, time.Second, time.Millisecond)
			}
			require.Eventually(t, func() bool { return rx.count() == n }, 2*time.Second, time.Millisecond)
			for i := 0; i < n; i++ {
				assert.Equal(t, pattern(64+i, byte(i)), rx.frame(i), "frame %d", i)
			}
			assert.Zero(t, hw.NIC.BadDoorbells())

			_, ok := hw.Lines.Line(0)
			assert.True(t, ok, "the default completion ring has a line")

			require.NoError(t, d.Detach(context.Background()))
			_, ok = hw.Lines.Line(0)
			assert.False(t, ok, "detach closes the lines")
			regions, _ := hw.Outstanding()
			assert.Zero(t, regions, "every mapping released")
		})
	}
}

func TestMapRegisters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	w, err := MapRegisters(path, 4096)
	require.NoError(t, err)
	var regs Registers = w
	regs.Write32(0x10, 0xfeedface)
	assert.Equal(t, uint32(0xfeedface), regs.Read32(0x10))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xfeedface), binary.NativeEndian.Uint32(raw[0x10:]), "writes reach the shared mapping")
}
