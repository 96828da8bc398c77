//go:build !linux
// +build !linux

package memory

// newBacking allocates size bytes on the heap; memfd is Linux-only.
func newBacking(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
