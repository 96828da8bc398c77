//go:build !linux
// +build !linux

package blk

import "io"

func fallocate(_ io.ReadWriteSeeker, _ allocMode, _, _ int64) error { return errNoFallocate }
