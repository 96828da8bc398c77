package queue

import (
	"github.com/mdlayher/virtio/memory"
)

// An AvailIter consumes descriptor chain heads from the available ring of a
// Queue, advancing the queue's next_avail position as it goes.
type AvailIter struct {
	mem       memory.GuestMemory
	q         *Queue
	descTable memory.GuestAddress
	availRing memory.GuestAddress
	queueSize uint16
	lastIndex uint16
}

func newAvailIter(mem memory.GuestMemory, idx uint16, q *Queue) (*AvailIter, error) {
	// The driver must never expose more heads than the queue holds. Refusing
	// such an index keeps a broken driver from making the device spin over
	// stale entries.
	if idx-q.nextAvail > q.size {
		return nil, ErrInvalidAvailRingIndex
	}

	return &AvailIter{
		mem:       mem,
		q:         q,
		descTable: q.descTable,
		availRing: q.availRing,
		queueSize: q.size,
		lastIndex: idx,
	}, nil
}

// Next returns the next available descriptor chain, or nil when the driver has
// not made any more available.
func (it *AvailIter) Next() *DescriptorChain {
	if it.q.nextAvail == it.lastIndex || it.queueSize == 0 {
		return nil
	}

	off := AvailRingHeaderSize + uint64(it.q.nextAvail%it.queueSize)*AvailElementSize
	addr, ok := it.availRing.CheckedAdd(off)
	if !ok {
		return nil
	}

	head, err := it.mem.LoadUint16(addr)
	if err != nil {
		it.q.log().Error("failed to read available ring entry", "addr", addr, "error", err)
		return nil
	}

	it.q.nextAvail++

	return NewDescriptorChain(it.mem, it.descTable, it.queueSize, head)
}

// GoToPreviousPosition moves next_avail back by one entry so that the last
// chain returned by Next is returned again.
func (it *AvailIter) GoToPreviousPosition() { it.q.nextAvail-- }
