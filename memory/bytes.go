package memory

import (
	"encoding/binary"
	"io"
)

// ReadUint16 reads a little-endian uint16 from mem at addr.
func ReadUint16(mem GuestMemory, addr GuestAddress) (uint16, error) {
	var b [2]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadUint32 reads a little-endian uint32 from mem at addr.
func ReadUint32(mem GuestMemory, addr GuestAddress) (uint32, error) {
	var b [4]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a little-endian uint64 from mem at addr.
func ReadUint64(mem GuestMemory, addr GuestAddress) (uint64, error) {
	var b [8]byte
	if err := mem.ReadAt(b[:], addr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteUint16 writes v to mem at addr in little-endian order.
func WriteUint16(mem GuestMemory, v uint16, addr GuestAddress) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return mem.WriteAt(b[:], addr)
}

// WriteUint32 writes v to mem at addr in little-endian order.
func WriteUint32(mem GuestMemory, v uint32, addr GuestAddress) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return mem.WriteAt(b[:], addr)
}

// WriteUint64 writes v to mem at addr in little-endian order.
func WriteUint64(mem GuestMemory, v uint64, addr GuestAddress) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return mem.WriteAt(b[:], addr)
}

var (
	_ io.ReaderAt = &Slice{}
	_ io.WriterAt = &Slice{}
)

// A Slice is a bounded window of guest memory. Offsets passed to its methods
// are relative to the start of the window.
type Slice struct {
	mem  GuestMemory
	addr GuestAddress
	len  uint32
}

// NewSlice returns a Slice of n bytes starting at addr. It fails if any part
// of the window is not backed by guest memory.
func NewSlice(mem GuestMemory, addr GuestAddress, n uint32) (*Slice, error) {
	if n > 0 {
		last, ok := addr.CheckedAdd(uint64(n) - 1)
		if !ok {
			return nil, &AccessError{Addr: addr, Len: uint64(n), Err: ErrOverflow}
		}
		if !mem.AddressInRange(addr) || !mem.AddressInRange(last) {
			return nil, &AccessError{Addr: addr, Len: uint64(n), Err: ErrInvalidAddress}
		}
	}

	return &Slice{mem: mem, addr: addr, len: n}, nil
}

// Addr returns the guest address of the start of s.
func (s *Slice) Addr() GuestAddress { return s.addr }

// Len returns the length of s in bytes.
func (s *Slice) Len() uint32 { return s.len }

// ReadAt implements io.ReaderAt.
func (s *Slice) ReadAt(b []byte, off int64) (int, error) {
	n, err := s.clamp(len(b), off)
	if err != nil {
		return 0, err
	}
	if err := s.mem.ReadAt(b[:n], s.addr.UncheckedAdd(uint64(off))); err != nil {
		return 0, err
	}
	if n < len(b) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt.
func (s *Slice) WriteAt(b []byte, off int64) (int, error) {
	n, err := s.clamp(len(b), off)
	if err != nil {
		return 0, err
	}
	if err := s.mem.WriteAt(b[:n], s.addr.UncheckedAdd(uint64(off))); err != nil {
		return 0, err
	}
	if n < len(b) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// Bytes copies the contents of s out of guest memory.
func (s *Slice) Bytes() ([]byte, error) {
	b := make([]byte, s.len)
	if err := s.mem.ReadAt(b, s.addr); err != nil {
		return nil, err
	}

	return b, nil
}

func (s *Slice) clamp(n int, off int64) (int, error) {
	if off < 0 {
		return 0, &AccessError{Addr: s.addr, Len: uint64(n), Err: ErrInvalidAddress}
	}
	if off >= int64(s.len) {
		if n == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if rem := int64(s.len) - off; int64(n) > rem {
		n = int(rem)
	}

	return n, nil
}
