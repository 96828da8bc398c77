package blk

import "errors"

// An allocMode selects how fallocate deallocates or zeroes a range.
type allocMode int

const (
	modePunchHole allocMode = iota
	modeZeroRange
)

// errNoFallocate indicates the backend cannot have ranges deallocated in
// place, so zeroes must be written instead.
var errNoFallocate = errors.New("blk: fallocate not available")

// A fder is a backend with an underlying file descriptor.
type fder interface {
	Fd() uintptr
}
