//go:build linux
// +build linux

package blk

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func fallocate(b io.ReadWriteSeeker, mode allocMode, off, n int64) error {
	f, ok := b.(fder)
	if !ok {
		return errNoFallocate
	}

	flags := uint32(unix.FALLOC_FL_KEEP_SIZE)
	switch mode {
	case modePunchHole:
		flags |= unix.FALLOC_FL_PUNCH_HOLE
	case modeZeroRange:
		flags |= unix.FALLOC_FL_ZERO_RANGE
	}

	err := unix.Fallocate(int(f.Fd()), flags, off, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.ENODEV):
		// Not every filesystem or file type supports these modes.
		return errNoFallocate
	default:
		return os.NewSyscallError("fallocate", err)
	}
}
