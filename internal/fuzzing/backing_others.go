//go:build !linux
// +build !linux

package fuzzing

import "os"

// newBackingFile returns an unlinked temporary file of size bytes.
func newBackingFile(size int64) (*os.File, error) {
	f, err := os.CreateTemp("", "virtio-blk")
	if err != nil {
		return nil, err
	}
	_ = os.Remove(f.Name())

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}
