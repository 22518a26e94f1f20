//go:build linux

package mmio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resource0")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	w, err := MapFile(path, 4096)
	require.NoError(t, err)
	w.Write32(0x100, 1)
	assert.Equal(t, uint32(1), w.Read32(0x100))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(1), data[0x100])
}
