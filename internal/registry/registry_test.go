package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dev struct {
	name, addr string
}

func (d *dev) Name() string    { return d.name }
func (d *dev) PCIAddr() string { return d.addr }

func TestRegisterLookup(t *testing.T) {
	r := New[*dev]()
	a := &dev{"bnxt1", "0000:3b:00.1"}
	b := &dev{"bnxt0", "0000:3b:00.0"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	got, ok := r.Lookup("bnxt1")
	require.True(t, ok)
	assert.Same(t, a, got)

	got, ok = r.LookupPCI("0000:3b:00.0")
	require.True(t, ok)
	assert.Same(t, b, got)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "bnxt0", list[0].Name())
	assert.Equal(t, "bnxt1", list[1].Name())
}

func TestDuplicates(t *testing.T) {
	r := New[*dev]()
	require.NoError(t, r.Register(&dev{"bnxt0", "0000:3b:00.0"}))
	assert.ErrorIs(t, r.Register(&dev{"bnxt0", ""}), ErrExists)
	assert.ErrorIs(t, r.Register(&dev{"bnxt9", "0000:3b:00.0"}), ErrExists)
	assert.Error(t, r.Register(&dev{"", ""}))

	// devices without a PCI address do not collide with each other
	require.NoError(t, r.Register(&dev{"sim0", ""}))
	require.NoError(t, r.Register(&dev{"sim1", ""}))
	assert.Equal(t, 3, r.Len())
}

func TestUnregister(t *testing.T) {
	r := New[*dev]()
	require.NoError(t, r.Register(&dev{"bnxt0", "0000:3b:00.0"}))
	require.NoError(t, r.Unregister("bnxt0"))
	assert.ErrorIs(t, r.Unregister("bnxt0"), ErrNotFound)

	_, ok := r.LookupPCI("0000:3b:00.0")
	assert.False(t, ok)
	require.NoError(t, r.Register(&dev{"bnxt0", "0000:3b:00.0"}))
}

func TestConcurrentRegistration(t *testing.T) {
	r := New[*dev]()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("bnxt%d", i)
			assert.NoError(t, r.Register(&dev{name, ""}))
			_, ok := r.Lookup(name)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, r.Len())
}
