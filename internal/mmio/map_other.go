//go:build !linux

package mmio

import "errors"

// MapFile needs Linux
func MapFile(path string, size int) (*Window, error) {
	return nil, errors.New("mmio: mapping " + path + " needs linux")
}
