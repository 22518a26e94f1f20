//go:build linux

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapFile maps size bytes of a resource file (for example a sysfs
// resourceN file of a PCI function) as a register window.
func MapFile(path string, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}

	w, err := WindowOver(mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	w.unmap = unix.Munmap
	return w, nil
}
