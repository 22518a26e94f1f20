// Package registry tracks attached devices by name and PCI address.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrExists   = errors.New("device already registered")
	ErrNotFound = errors.New("device not registered")
)

// Entry is anything the registry can hold
type Entry interface {
	Name() string
	PCIAddr() string
}

// Registry is a concurrency-safe device list
type Registry[T Entry] struct {
	mu     sync.RWMutex
	byName map[string]T
	byAddr map[string]T
}

func New[T Entry]() *Registry[T] {
	return &Registry[T]{
		byName: make(map[string]T),
		byAddr: make(map[string]T),
	}
}

// Register adds e. Names and non-empty PCI addresses must be unique.
func (r *Registry[T]) Register(e T) error {
	name, addr := e.Name(), e.PCIAddr()
	if name == "" {
		return errors.New("device name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	if addr != "" {
		if _, ok := r.byAddr[addr]; ok {
			return fmt.Errorf("%w: pci %s", ErrExists, addr)
		}
		r.byAddr[addr] = e
	}
	r.byName[name] = e
	return nil
}

// Unregister removes the device called name
func (r *Registry[T]) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.byName, name)
	if addr := e.PCIAddr(); addr != "" {
		delete(r.byAddr, addr)
	}
	return nil
}

// Lookup finds a device by name
func (r *Registry[T]) Lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// LookupPCI finds a device by PCI address
func (r *Registry[T]) LookupPCI(addr string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAddr[addr]
	return e, ok
}

// List returns all devices sorted by name
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	out := make([]T, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered devices
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
