// Package memory provides a guest physical memory model for virtio device
// emulation: a set of host-backed regions addressed by guest physical
// addresses.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrInvalidAddress is returned when an access touches an address that
	// is not backed by any region.
	ErrInvalidAddress = errors.New("memory: invalid guest address")

	// ErrOverflow is returned when an access would wrap the 64-bit guest
	// address space.
	ErrOverflow = errors.New("memory: guest address overflow")

	// ErrOverlap is returned by FromRanges when two regions overlap.
	ErrOverlap = errors.New("memory: overlapping regions")

	// ErrEmptyRegion is returned by FromRanges for zero-sized regions.
	ErrEmptyRegion = errors.New("memory: empty region")
)

// A GuestAddress is a guest physical address.
type GuestAddress uint64

// CheckedAdd returns a+off and reports whether the addition did not overflow.
func (a GuestAddress) CheckedAdd(off uint64) (GuestAddress, bool) {
	s := uint64(a) + off
	if s < uint64(a) {
		return 0, false
	}

	return GuestAddress(s), true
}

// UncheckedAdd returns a+off, wrapping on overflow.
func (a GuestAddress) UncheckedAdd(off uint64) GuestAddress { return GuestAddress(uint64(a) + off) }

// Mask returns the bits of a selected by m.
func (a GuestAddress) Mask(m uint64) uint64 { return uint64(a) & m }

// String returns the address in hexadecimal.
func (a GuestAddress) String() string { return fmt.Sprintf("0x%08x", uint64(a)) }

// An AccessError describes a failed guest memory access.
type AccessError struct {
	Addr GuestAddress
	Len  uint64
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access of %d bytes at %s: %v", e.Len, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *AccessError) Unwrap() error { return e.Err }

// GuestMemory is the interface used by device models to access guest memory.
type GuestMemory interface {
	// AddressInRange reports whether addr is backed by a region.
	AddressInRange(addr GuestAddress) bool

	// CheckedOffset returns addr+off if the result is backed by a region.
	CheckedOffset(addr GuestAddress, off uint64) (GuestAddress, bool)

	// ReadAt and WriteAt copy len(b) bytes out of and into guest memory.
	ReadAt(b []byte, addr GuestAddress) error
	WriteAt(b []byte, addr GuestAddress) error

	// LoadUint16 and StoreUint16 atomically access a little-endian value.
	LoadUint16(addr GuestAddress) (uint16, error)
	StoreUint16(v uint16, addr GuestAddress) error
}

// A Range describes a guest memory region to be created.
type Range struct {
	Start GuestAddress
	Size  uint64
}

type region struct {
	start GuestAddress
	size  uint64
	data  []byte
	unmap func() error
}

func (r *region) end() uint64 { return uint64(r.start) + r.size }

func (r *region) contains(addr GuestAddress) bool {
	return addr >= r.start && uint64(addr) < r.end()
}

var _ GuestMemory = &Mmap{}

// Mmap is a GuestMemory backed by host memory mappings. On Linux each region
// is an anonymous memfd mapped into the process.
type Mmap struct {
	regions []*region
}

// FromRanges creates an Mmap with one region per Range.
func FromRanges(ranges []Range) (*Mmap, error) {
	rs := make([]Range, len(ranges))
	copy(rs, ranges)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })

	m := &Mmap{}
	for i, r := range rs {
		if r.Size == 0 {
			_ = m.Close()
			return nil, fmt.Errorf("region %d at %s: %w", i, r.Start, ErrEmptyRegion)
		}
		if _, ok := r.Start.CheckedAdd(r.Size); !ok {
			_ = m.Close()
			return nil, &AccessError{Addr: r.Start, Len: r.Size, Err: ErrOverflow}
		}
		if i > 0 && uint64(r.Start) < uint64(rs[i-1].Start)+rs[i-1].Size {
			_ = m.Close()
			return nil, fmt.Errorf("region at %s: %w", r.Start, ErrOverlap)
		}

		// Round the backing up so that 16-bit atomics can always operate on
		// the aligned 32-bit word that contains them.
		data, unmap, err := newBacking((r.Size + 7) &^ 7)
		if err != nil {
			_ = m.Close()
			return nil, err
		}

		m.regions = append(m.regions, &region{
			start: r.Start,
			size:  r.Size,
			data:  data,
			unmap: unmap,
		})
	}

	return m, nil
}

// Close releases all host mappings. The Mmap must not be used afterwards.
func (m *Mmap) Close() error {
	var result error
	for _, r := range m.regions {
		if r.unmap == nil {
			continue
		}
		if err := r.unmap(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.regions = nil

	return result
}

// Ranges returns the regions of m in address order.
func (m *Mmap) Ranges() []Range {
	rs := make([]Range, 0, len(m.regions))
	for _, r := range m.regions {
		rs = append(rs, Range{Start: r.start, Size: r.size})
	}

	return rs
}

func (m *Mmap) find(addr GuestAddress) int {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].end() > uint64(addr)
	})
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return i
	}

	return -1
}

// AddressInRange implements GuestMemory.
func (m *Mmap) AddressInRange(addr GuestAddress) bool { return m.find(addr) >= 0 }

// CheckedOffset implements GuestMemory.
func (m *Mmap) CheckedOffset(addr GuestAddress, off uint64) (GuestAddress, bool) {
	a, ok := addr.CheckedAdd(off)
	if !ok || !m.AddressInRange(a) {
		return 0, false
	}

	return a, true
}

// access invokes fn over each host chunk covering [addr, addr+n). The chunks
// may come from several regions as long as those regions are contiguous.
func (m *Mmap) access(addr GuestAddress, n uint64, fn func(chunk []byte, done uint64)) error {
	if n == 0 {
		return nil
	}
	if _, ok := addr.CheckedAdd(n - 1); !ok {
		return &AccessError{Addr: addr, Len: n, Err: ErrOverflow}
	}

	i := m.find(addr)
	if i < 0 {
		return &AccessError{Addr: addr, Len: n, Err: ErrInvalidAddress}
	}

	// Validate the whole span before touching memory so that a failed
	// access has no partial effect.
	var (
		cur  = uint64(addr)
		left = n
	)
	for j := i; ; j++ {
		c := m.regions[j].end() - cur
		if c >= left {
			break
		}
		cur += c
		left -= c

		if j+1 >= len(m.regions) || uint64(m.regions[j+1].start) != cur {
			return &AccessError{Addr: addr, Len: n, Err: ErrInvalidAddress}
		}
	}

	cur, left = uint64(addr), n
	for j := i; left > 0; j++ {
		r := m.regions[j]
		off := cur - uint64(r.start)
		c := r.size - off
		if c > left {
			c = left
		}
		fn(r.data[off:off+c], n-left)
		cur += c
		left -= c
	}

	return nil
}

// ReadAt implements GuestMemory.
func (m *Mmap) ReadAt(b []byte, addr GuestAddress) error {
	return m.access(addr, uint64(len(b)), func(chunk []byte, done uint64) {
		copy(b[done:], chunk)
	})
}

// WriteAt implements GuestMemory.
func (m *Mmap) WriteAt(b []byte, addr GuestAddress) error {
	return m.access(addr, uint64(len(b)), func(chunk []byte, done uint64) {
		copy(chunk, b[done:])
	})
}

// word returns the aligned 32-bit word holding the 16-bit value at addr, and
// the byte offset of the value within it. ok is false when the value straddles
// a word boundary or a region boundary.
func (m *Mmap) word(addr GuestAddress) (w *uint32, shift int, ok bool, err error) {
	i := m.find(addr)
	if i < 0 {
		return nil, 0, false, &AccessError{Addr: addr, Len: 2, Err: ErrInvalidAddress}
	}

	r := m.regions[i]
	off := uint64(addr - r.start)
	if off+2 > r.size {
		return nil, 0, false, nil
	}

	base := uintptr(unsafe.Pointer(&r.data[0]))
	p := base + uintptr(off)
	if p&1 != 0 {
		return nil, 0, false, nil
	}

	aligned := p &^ 3
	wordOff := uint64(aligned - base)

	return (*uint32)(unsafe.Pointer(&r.data[wordOff])), int(p - aligned), true, nil
}

// LoadUint16 implements GuestMemory.
func (m *Mmap) LoadUint16(addr GuestAddress) (uint16, error) {
	w, shift, ok, err := m.word(addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return ReadUint16(m, addr)
	}

	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(w))

	return binary.LittleEndian.Uint16(b[shift:]), nil
}

// StoreUint16 implements GuestMemory.
func (m *Mmap) StoreUint16(v uint16, addr GuestAddress) error {
	w, shift, ok, err := m.word(addr)
	if err != nil {
		return err
	}
	if !ok {
		return WriteUint16(m, v, addr)
	}

	for {
		old := atomic.LoadUint32(w)

		var b [4]byte
		binary.NativeEndian.PutUint32(b[:], old)
		binary.LittleEndian.PutUint16(b[shift:], v)

		if atomic.CompareAndSwapUint32(w, old, binary.NativeEndian.Uint32(b[:])) {
			return nil
		}
	}
}
