//go:build linux
// +build linux

package fuzzing

import (
	"os"

	"golang.org/x/sys/unix"
)

// newBackingFile returns an anonymous memfd-backed file of size bytes.
func newBackingFile(size int64) (*os.File, error) {
	fd, err := unix.MemfdCreate("virtio-blk", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("memfd_create", err)
	}

	f := os.NewFile(uintptr(fd), "virtio-blk")
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}
