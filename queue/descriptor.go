package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/virtio/memory"
)

// A RingDescriptor is the part of a descriptor common to the split and packed
// ring layouts.
type RingDescriptor interface {
	Addr() memory.GuestAddress
	Len() uint32
	Flags() uint16
	HasNext() bool
	IsWriteOnly() bool
	RefersToIndirectTable() bool
}

var (
	_ RingDescriptor = Descriptor{}
	_ RingDescriptor = PackedDescriptor{}
)

// A Descriptor is a split virtqueue descriptor.
type Descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// NewDescriptor creates a split descriptor.
func NewDescriptor(addr uint64, length uint32, flags, next uint16) Descriptor {
	return Descriptor{addr: addr, len: length, flags: flags, next: next}
}

// Addr returns the guest physical address of the descriptor buffer.
func (d Descriptor) Addr() memory.GuestAddress { return memory.GuestAddress(d.addr) }

// Len returns the length of the descriptor buffer.
func (d Descriptor) Len() uint32 { return d.len }

// Flags returns the next, write and indirect bits.
func (d Descriptor) Flags() uint16 { return d.flags }

// Next returns the index of the following descriptor in the chain. It is only
// meaningful when HasNext is true.
func (d Descriptor) Next() uint16 { return d.next }

// HasNext reports whether DescFlagNext is set.
func (d Descriptor) HasNext() bool { return d.flags&DescFlagNext != 0 }

// IsWriteOnly reports whether the device may write the buffer. Otherwise the
// buffer is device read-only.
func (d Descriptor) IsWriteOnly() bool { return d.flags&DescFlagWrite != 0 }

// RefersToIndirectTable reports whether the buffer holds an indirect
// descriptor table.
func (d Descriptor) RefersToIndirectTable() bool { return d.flags&DescFlagIndirect != 0 }

// SetAddr sets the buffer address.
func (d *Descriptor) SetAddr(addr uint64) { d.addr = addr }

// SetLen sets the buffer length.
func (d *Descriptor) SetLen(length uint32) { d.len = length }

// SetFlags sets the flags.
func (d *Descriptor) SetFlags(flags uint16) { d.flags = flags }

// SetNext sets the next field.
func (d *Descriptor) SetNext(next uint16) { d.next = next }

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("desc(addr=%s, len=%d, flags=%#x, next=%d)", d.Addr(), d.len, d.flags, d.next)
}

// MarshalBinary encodes d in its 16 byte little-endian ring layout.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	b := make([]byte, DescriptorSize)
	d.put(b)
	return b, nil
}

func (d Descriptor) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.addr)
	binary.LittleEndian.PutUint32(b[8:12], d.len)
	binary.LittleEndian.PutUint16(b[12:14], d.flags)
	binary.LittleEndian.PutUint16(b[14:16], d.next)
}

// UnmarshalBinary decodes d from its ring layout.
func (d *Descriptor) UnmarshalBinary(b []byte) error {
	if len(b) != DescriptorSize {
		return fmt.Errorf("queue: descriptor must be %d bytes, got %d", DescriptorSize, len(b))
	}

	*d = Descriptor{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		len:   binary.LittleEndian.Uint32(b[8:12]),
		flags: binary.LittleEndian.Uint16(b[12:14]),
		next:  binary.LittleEndian.Uint16(b[14:16]),
	}

	return nil
}

// ReadDescriptor reads the split descriptor stored at addr.
func ReadDescriptor(mem memory.GuestMemory, addr memory.GuestAddress) (Descriptor, error) {
	var (
		b [DescriptorSize]byte
		d Descriptor
	)
	if err := mem.ReadAt(b[:], addr); err != nil {
		return Descriptor{}, err
	}

	return d, d.UnmarshalBinary(b[:])
}

// WriteDescriptor stores d at addr.
func WriteDescriptor(mem memory.GuestMemory, d Descriptor, addr memory.GuestAddress) error {
	var b [DescriptorSize]byte
	d.put(b[:])
	return mem.WriteAt(b[:], addr)
}

// A PackedDescriptor is a packed virtqueue descriptor. Packed descriptors
// carry a buffer ID instead of a next index.
type PackedDescriptor struct {
	addr  uint64
	len   uint32
	id    uint16
	flags uint16
}

// NewPackedDescriptor creates a packed descriptor.
func NewPackedDescriptor(addr uint64, length uint32, id, flags uint16) PackedDescriptor {
	return PackedDescriptor{addr: addr, len: length, id: id, flags: flags}
}

// Addr returns the guest physical address of the descriptor buffer.
func (d PackedDescriptor) Addr() memory.GuestAddress { return memory.GuestAddress(d.addr) }

// Len returns the length of the descriptor buffer.
func (d PackedDescriptor) Len() uint32 { return d.len }

// ID returns the buffer ID.
func (d PackedDescriptor) ID() uint16 { return d.id }

// Flags returns the descriptor flags, including the avail and used bits.
func (d PackedDescriptor) Flags() uint16 { return d.flags }

// HasNext reports whether DescFlagNext is set.
func (d PackedDescriptor) HasNext() bool { return d.flags&DescFlagNext != 0 }

// IsWriteOnly reports whether the device may write the buffer.
func (d PackedDescriptor) IsWriteOnly() bool { return d.flags&DescFlagWrite != 0 }

// RefersToIndirectTable reports whether the buffer holds an indirect table.
func (d PackedDescriptor) RefersToIndirectTable() bool { return d.flags&DescFlagIndirect != 0 }

// IsAvail reports whether the descriptor is available to the device for the
// given wrap counter.
func (d PackedDescriptor) IsAvail(wrap bool) bool {
	avail := d.flags&DescFlagAvail != 0
	used := d.flags&DescFlagUsed != 0
	return avail == wrap && used != wrap
}

// SetAddr sets the buffer address.
func (d *PackedDescriptor) SetAddr(addr uint64) { d.addr = addr }

// SetLen sets the buffer length.
func (d *PackedDescriptor) SetLen(length uint32) { d.len = length }

// SetID sets the buffer ID.
func (d *PackedDescriptor) SetID(id uint16) { d.id = id }

// SetFlags sets the flags.
func (d *PackedDescriptor) SetFlags(flags uint16) { d.flags = flags }

// MarshalBinary encodes d in its 16 byte little-endian ring layout.
func (d PackedDescriptor) MarshalBinary() ([]byte, error) {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(b[0:8], d.addr)
	binary.LittleEndian.PutUint32(b[8:12], d.len)
	binary.LittleEndian.PutUint16(b[12:14], d.id)
	binary.LittleEndian.PutUint16(b[14:16], d.flags)
	return b, nil
}

// UnmarshalBinary decodes d from its ring layout.
func (d *PackedDescriptor) UnmarshalBinary(b []byte) error {
	if len(b) != DescriptorSize {
		return fmt.Errorf("queue: packed descriptor must be %d bytes, got %d", DescriptorSize, len(b))
	}

	*d = PackedDescriptor{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		len:   binary.LittleEndian.Uint32(b[8:12]),
		id:    binary.LittleEndian.Uint16(b[12:14]),
		flags: binary.LittleEndian.Uint16(b[14:16]),
	}

	return nil
}

// Packed ring event suppression flags.
const (
	EventFlagsEnable  uint16 = 0x0
	EventFlagsDisable uint16 = 0x1
	EventFlagsDesc    uint16 = 0x2
)

// PackedDescEventSize is the size of a packed ring event suppression
// structure.
const PackedDescEventSize = 4

// A PackedDescEvent is the event suppression structure of a packed ring.
type PackedDescEvent struct {
	offWrap uint16
	flags   uint16
}

// OffWrap returns the descriptor event offset and wrap counter.
func (e PackedDescEvent) OffWrap() uint16 { return e.offWrap }

// SetOffWrap sets the descriptor event offset and wrap counter.
func (e *PackedDescEvent) SetOffWrap(v uint16) { e.offWrap = v }

// Flags returns the event suppression flags.
func (e PackedDescEvent) Flags() uint16 { return e.flags }

// SetFlags sets the event suppression flags.
func (e *PackedDescEvent) SetFlags(v uint16) { e.flags = v }

// MarshalBinary encodes e in its 4 byte little-endian layout.
func (e PackedDescEvent) MarshalBinary() ([]byte, error) {
	b := make([]byte, PackedDescEventSize)
	binary.LittleEndian.PutUint16(b[0:2], e.offWrap)
	binary.LittleEndian.PutUint16(b[2:4], e.flags)
	return b, nil
}

// UnmarshalBinary decodes e from its layout.
func (e *PackedDescEvent) UnmarshalBinary(b []byte) error {
	if len(b) != PackedDescEventSize {
		return fmt.Errorf("queue: packed event must be %d bytes, got %d", PackedDescEventSize, len(b))
	}

	e.offWrap = binary.LittleEndian.Uint16(b[0:2])
	e.flags = binary.LittleEndian.Uint16(b[2:4])
	return nil
}
