//go:build linux
// +build linux

package memory

import (
	"os"

	"golang.org/x/sys/unix"
)

// newBacking creates an anonymous memfd of size bytes and maps it shared into
// the process. The descriptor is closed once mapped; the mapping keeps the
// memory alive until unmap is called.
func newBacking(size uint64) ([]byte, func() error, error) {
	fd, err := unix.MemfdCreate("guest-memory", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, os.NewSyscallError("memfd_create", err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, nil, os.NewSyscallError("ftruncate", err)
	}

	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, os.NewSyscallError("mmap", err)
	}

	return b, func() error { return unix.Munmap(b) }, nil
}
