// Package queuetest provides a driver-side view of a split virtqueue laid out
// in guest memory, for use in tests and fuzzers of device models.
package queuetest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
)

// A SplitQueue places a descriptor table, available ring and used ring for a
// queue of a fixed size contiguously in guest memory, followed by an area for
// indirect descriptor tables, and gives the test the driver's access to them.
type SplitQueue struct {
	mem       memory.GuestMemory
	size      uint16
	descTable memory.GuestAddress
	avail     memory.GuestAddress
	used      memory.GuestAddress
	indirect  memory.GuestAddress
}

func alignUp(a memory.GuestAddress, align uint64) memory.GuestAddress {
	return memory.GuestAddress((uint64(a) + align - 1) &^ (align - 1))
}

// New lays out a queue of size elements starting at guest address 0.
func New(mem memory.GuestMemory, size uint16) *SplitQueue {
	return NewAt(mem, 0, size)
}

// NewAt lays out a queue of size elements starting at start, which is rounded
// up to the descriptor table alignment.
func NewAt(mem memory.GuestMemory, start memory.GuestAddress, size uint16) *SplitQueue {
	n := uint64(size)

	descTable := alignUp(start, 16)
	avail := alignUp(descTable.UncheckedAdd(queue.DescriptorSize*n), 2)
	used := alignUp(avail.UncheckedAdd(queue.AvailRingMetaSize+queue.AvailElementSize*n), 4)
	indirect := alignUp(used.UncheckedAdd(queue.UsedRingMetaSize+queue.UsedElementSize*n), 16)

	return &SplitQueue{
		mem:       mem,
		size:      size,
		descTable: descTable,
		avail:     avail,
		used:      used,
		indirect:  indirect,
	}
}

// Size returns the number of elements of the queue.
func (sq *SplitQueue) Size() uint16 { return sq.size }

// Memory returns the guest memory the queue lives in.
func (sq *SplitQueue) Memory() memory.GuestMemory { return sq.mem }

// DescTableAddr returns the address of the descriptor table.
func (sq *SplitQueue) DescTableAddr() memory.GuestAddress { return sq.descTable }

// AvailAddr returns the address of the available ring.
func (sq *SplitQueue) AvailAddr() memory.GuestAddress { return sq.avail }

// UsedAddr returns the address of the used ring.
func (sq *SplitQueue) UsedAddr() memory.GuestAddress { return sq.used }

// IndirectAddr returns the address where indirect tables are placed.
func (sq *SplitQueue) IndirectAddr() memory.GuestAddress { return sq.indirect }

// End returns the first address past the queue structures, excluding the
// indirect area.
func (sq *SplitQueue) End() memory.GuestAddress { return sq.indirect }

// CreateQueue returns a ready Queue configured for this layout.
func (sq *SplitQueue) CreateQueue(cfg *queue.Config) (*queue.Queue, error) {
	q, err := queue.New(sq.size, cfg)
	if err != nil {
		return nil, err
	}

	if err := q.TrySetDescTableAddress(uint64(sq.descTable)); err != nil {
		return nil, err
	}
	if err := q.TrySetAvailRingAddress(uint64(sq.avail)); err != nil {
		return nil, err
	}
	if err := q.TrySetUsedRingAddress(uint64(sq.used)); err != nil {
		return nil, err
	}
	q.SetReady(true)

	return q, nil
}

var errIndex = errors.New("queuetest: index out of range")

// SetDesc stores d at index i of the descriptor table.
func (sq *SplitQueue) SetDesc(i uint16, d queue.Descriptor) error {
	if i >= sq.size {
		return fmt.Errorf("descriptor %d: %w", i, errIndex)
	}

	return queue.WriteDescriptor(sq.mem, d, sq.descTable.UncheckedAdd(uint64(i)*queue.DescriptorSize))
}

// Desc loads index i of the descriptor table.
func (sq *SplitQueue) Desc(i uint16) (queue.Descriptor, error) {
	if i >= sq.size {
		return queue.Descriptor{}, fmt.Errorf("descriptor %d: %w", i, errIndex)
	}

	return queue.ReadDescriptor(sq.mem, sq.descTable.UncheckedAdd(uint64(i)*queue.DescriptorSize))
}

// AvailFlags returns the flags field of the available ring.
func (sq *SplitQueue) AvailFlags() (uint16, error) { return sq.mem.LoadUint16(sq.avail) }

// SetAvailFlags sets the flags field of the available ring.
func (sq *SplitQueue) SetAvailFlags(v uint16) error { return sq.mem.StoreUint16(v, sq.avail) }

// AvailIdx returns the idx field of the available ring.
func (sq *SplitQueue) AvailIdx() (uint16, error) { return sq.mem.LoadUint16(sq.avail + 2) }

// SetAvailIdx publishes v as the idx field of the available ring.
func (sq *SplitQueue) SetAvailIdx(v uint16) error { return sq.mem.StoreUint16(v, sq.avail+2) }

// SetAvailRing stores head at entry i of the available ring.
func (sq *SplitQueue) SetAvailRing(i uint16, head uint16) error {
	if i >= sq.size {
		return fmt.Errorf("available entry %d: %w", i, errIndex)
	}

	return sq.mem.StoreUint16(head, sq.avail.UncheckedAdd(queue.AvailRingHeaderSize+uint64(i)*queue.AvailElementSize))
}

// SetUsedEvent sets the used_event field that trails the available ring.
func (sq *SplitQueue) SetUsedEvent(v uint16) error {
	return sq.mem.StoreUint16(v, sq.avail.UncheckedAdd(queue.AvailRingHeaderSize+uint64(sq.size)*queue.AvailElementSize))
}

// UsedFlags returns the flags field of the used ring.
func (sq *SplitQueue) UsedFlags() (uint16, error) { return sq.mem.LoadUint16(sq.used) }

// UsedIdx returns the idx field of the used ring.
func (sq *SplitQueue) UsedIdx() (uint16, error) { return sq.mem.LoadUint16(sq.used + 2) }

// AvailEvent returns the avail_event field that trails the used ring.
func (sq *SplitQueue) AvailEvent() (uint16, error) {
	return sq.mem.LoadUint16(sq.used.UncheckedAdd(queue.UsedRingHeaderSize + uint64(sq.size)*queue.UsedElementSize))
}

// A UsedElem is an entry of the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// UsedElem returns entry i of the used ring.
func (sq *SplitQueue) UsedElem(i uint16) (UsedElem, error) {
	if i >= sq.size {
		return UsedElem{}, fmt.Errorf("used entry %d: %w", i, errIndex)
	}

	var b [queue.UsedElementSize]byte
	if err := sq.mem.ReadAt(b[:], sq.used.UncheckedAdd(queue.UsedRingHeaderSize+uint64(i)*queue.UsedElementSize)); err != nil {
		return UsedElem{}, err
	}

	return UsedElem{
		ID:  binary.LittleEndian.Uint32(b[0:4]),
		Len: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// BuildDescChain writes descs as a single chain starting at table index 0,
// linking each descriptor to the following one, and makes it available.
func (sq *SplitQueue) BuildDescChain(descs []queue.Descriptor) error {
	chain := make([]queue.Descriptor, len(descs))
	for i, d := range descs {
		flags := d.Flags() &^ queue.DescFlagNext
		if i < len(descs)-1 {
			flags |= queue.DescFlagNext
		}
		d.SetFlags(flags)
		d.SetNext(uint16(i + 1))
		chain[i] = d
	}

	return sq.AddDescChains(chain, 0)
}

// AddDescChains writes descs into the table starting at index offset and
// makes every chain they contain available. Chains are delimited by the
// absence of DescFlagNext; the next fields of descs are used as given.
func (sq *SplitQueue) AddDescChains(descs []queue.Descriptor, offset uint16) error {
	if uint64(offset)+uint64(len(descs)) > uint64(sq.size) {
		return fmt.Errorf("%d descriptors at offset %d: %w", len(descs), offset, errIndex)
	}

	idx, err := sq.AvailIdx()
	if err != nil {
		return err
	}

	newChain := true
	for i, d := range descs {
		pos := offset + uint16(i)
		if err := sq.SetDesc(pos, d); err != nil {
			return err
		}

		if newChain {
			if err := sq.SetAvailRing(idx%sq.size, pos); err != nil {
				return err
			}
			idx++
		}
		newChain = !d.HasNext()
	}

	return sq.SetAvailIdx(idx)
}

// BuildIndirectDescChain writes descs as a chain in the indirect area and
// makes available a single direct descriptor at index 0 that refers to it.
func (sq *SplitQueue) BuildIndirectDescChain(descs []queue.Descriptor) error {
	for i, d := range descs {
		flags := d.Flags() &^ (queue.DescFlagNext | queue.DescFlagIndirect)
		if i < len(descs)-1 {
			flags |= queue.DescFlagNext
		}
		d.SetFlags(flags)
		d.SetNext(uint16(i + 1))

		if err := queue.WriteDescriptor(sq.mem, d, sq.indirect.UncheckedAdd(uint64(i)*queue.DescriptorSize)); err != nil {
			return err
		}
	}

	head := queue.NewDescriptor(uint64(sq.indirect), uint32(len(descs))*queue.DescriptorSize, queue.DescFlagIndirect, 0)

	return sq.AddDescChains([]queue.Descriptor{head}, 0)
}
