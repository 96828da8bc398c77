// Package queue implements the device side of a split virtqueue: validation of
// the driver's queue configuration, consumption of descriptor chains from the
// available ring, and completion through the used ring with notification
// suppression.
//
// A typical consumer disables notifications, drains the available ring, and
// re-enables notifications, looping again if the driver raced ahead:
//
//	for {
//		if err := q.DisableNotification(mem); err != nil {
//			return err
//		}
//
//		it, err := q.Iter(mem)
//		if err != nil {
//			return err
//		}
//		for c := it.Next(); c != nil; c = it.Next() {
//			// Process c, then complete it.
//			if err := q.AddUsed(mem, c.HeadIndex(), 0); err != nil {
//				return err
//			}
//		}
//
//		more, err := q.EnableNotification(mem)
//		if err != nil {
//			return err
//		}
//		if !more {
//			break
//		}
//	}
package queue

import (
	"encoding/binary"

	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/virtio/memory"
)

// Config configures a Queue. The zero value is valid.
type Config struct {
	// Logger receives reports of invalid configuration attempted by the
	// driver. If nil, nothing is logged.
	Logger hclog.Logger
}

// A Queue holds the device-side state of a split virtqueue.
//
// A Queue may be configured with invalid values through the non-Try setters;
// those values are rejected and logged, mirroring how a device ignores bad
// register writes. Call IsValid before consuming the queue.
type Queue struct {
	maxSize         uint16
	nextAvail       uint16
	nextUsed        uint16
	eventIdxEnabled bool
	// numAdded counts chains added to the used ring since the last call to
	// NeedsNotification.
	numAdded  uint16
	size      uint16
	ready     bool
	descTable memory.GuestAddress
	availRing memory.GuestAddress
	usedRing  memory.GuestAddress

	logger hclog.Logger
}

// New creates a Queue that the device offers with maxSize elements. maxSize
// must be a power of two no larger than MaxQueueSize.
func New(maxSize uint16, cfg *Config) (*Queue, error) {
	if maxSize == 0 || maxSize > MaxQueueSize || maxSize&(maxSize-1) != 0 {
		return nil, ErrInvalidMaxSize
	}
	if cfg == nil {
		cfg = &Config{}
	}

	q := &Queue{
		maxSize: maxSize,
		logger:  cfg.Logger,
	}
	q.Reset()

	return q, nil
}

func (q *Queue) log() hclog.Logger {
	if q.logger == nil {
		return hclog.NewNullLogger()
	}
	return q.logger
}

// IsValid reports whether the queue is ready and all of its rings lie within
// mem. Each problem found is logged.
func (q *Queue) IsValid(mem memory.GuestMemory) bool {
	var (
		size          = uint64(q.size)
		descTableSize = DescriptorSize * size
		availRingSize = AvailRingMetaSize + AvailElementSize*size
		usedRingSize  = UsedRingMetaSize + UsedElementSize*size
	)

	inRange := func(start memory.GuestAddress, n uint64) bool {
		end, ok := start.CheckedAdd(n)
		return ok && mem.AddressInRange(end)
	}

	switch {
	case !q.ready:
		q.log().Error("attempt to use virtio queue that is not marked ready")
		return false
	case !inRange(q.descTable, descTableSize):
		q.log().Error("virtio queue descriptor table goes out of bounds",
			"start", q.descTable, "size", descTableSize)
		return false
	case !inRange(q.availRing, availRingSize):
		q.log().Error("virtio queue available ring goes out of bounds",
			"start", q.availRing, "size", availRingSize)
		return false
	case !inRange(q.usedRing, usedRingSize):
		q.log().Error("virtio queue used ring goes out of bounds",
			"start", q.usedRing, "size", usedRingSize)
		return false
	default:
		return true
	}
}

// Reset returns the queue to its initial state.
func (q *Queue) Reset() {
	q.ready = false
	q.size = q.maxSize
	q.descTable = DefaultDescTableAddr
	q.availRing = DefaultAvailRingAddr
	q.usedRing = DefaultUsedRingAddr
	q.nextAvail = 0
	q.nextUsed = 0
	q.numAdded = 0
	q.eventIdxEnabled = false
}

// MaxSize returns the maximum size offered by the device.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// Size returns the size selected by the driver.
func (q *Queue) Size() uint16 { return q.size }

// SetSize sets the queue size. Sizes that are zero, larger than MaxSize or not
// a power of two are logged and ignored.
func (q *Queue) SetSize(size uint16) {
	if err := q.TrySetSize(size); err != nil {
		q.log().Error("virtio queue with invalid size", "size", size)
	}
}

// TrySetSize is like SetSize but returns ErrInvalidSize for a rejected size.
func (q *Queue) TrySetSize(size uint16) error {
	if size > q.maxSize || size == 0 || size&(size-1) != 0 {
		return ErrInvalidSize
	}

	q.size = size
	return nil
}

// Ready reports whether the driver finished configuring the queue.
func (q *Queue) Ready() bool { return q.ready }

// SetReady sets the ready state.
func (q *Queue) SetReady(ready bool) { q.ready = ready }

// EventIdxEnabled reports whether VIRTIO_F_RING_EVENT_IDX was negotiated.
func (q *Queue) EventIdxEnabled() bool { return q.eventIdxEnabled }

// SetEventIdx records whether VIRTIO_F_RING_EVENT_IDX was negotiated.
func (q *Queue) SetEventIdx(enabled bool) { q.eventIdxEnabled = enabled }

// DescTable returns the guest address of the descriptor table.
func (q *Queue) DescTable() memory.GuestAddress { return q.descTable }

// AvailRing returns the guest address of the available ring.
func (q *Queue) AvailRing() memory.GuestAddress { return q.availRing }

// UsedRing returns the guest address of the used ring.
func (q *Queue) UsedRing() memory.GuestAddress { return q.usedRing }

// Alignment masks of the three ring areas.
const (
	descTableAlignMask = 0xf
	availRingAlignMask = 0x1
	usedRingAlignMask  = 0x3
)

func setAligned(dst *memory.GuestAddress, addr uint64, mask uint64) error {
	if addr&mask != 0 {
		return ErrInvalidAlignment
	}

	*dst = memory.GuestAddress(addr)
	return nil
}

func lowHalf(a memory.GuestAddress, low uint32) uint64 {
	return uint64(a)&^0xffff_ffff | uint64(low)
}

func highHalf(a memory.GuestAddress, high uint32) uint64 {
	return uint64(high)<<32 | uint64(a)&0xffff_ffff
}

// TrySetDescTableAddress sets the descriptor table address, which must be 16
// byte aligned.
func (q *Queue) TrySetDescTableAddress(addr uint64) error {
	return setAligned(&q.descTable, addr, descTableAlignMask)
}

// SetDescTableAddress is like TrySetDescTableAddress but logs and ignores a
// misaligned address.
func (q *Queue) SetDescTableAddress(addr uint64) {
	if err := q.TrySetDescTableAddress(addr); err != nil {
		q.log().Error("virtio queue descriptor table breaks alignment constraints", "addr", memory.GuestAddress(addr))
	}
}

// SetDescTableAddressLow replaces the low 32 bits of the descriptor table
// address, as a transport register write does.
func (q *Queue) SetDescTableAddressLow(low uint32) {
	q.SetDescTableAddress(lowHalf(q.descTable, low))
}

// SetDescTableAddressHigh replaces the high 32 bits of the descriptor table
// address.
func (q *Queue) SetDescTableAddressHigh(high uint32) {
	q.SetDescTableAddress(highHalf(q.descTable, high))
}

// TrySetAvailRingAddress sets the available ring address, which must be 2
// byte aligned.
func (q *Queue) TrySetAvailRingAddress(addr uint64) error {
	return setAligned(&q.availRing, addr, availRingAlignMask)
}

// SetAvailRingAddress is like TrySetAvailRingAddress but logs and ignores a
// misaligned address.
func (q *Queue) SetAvailRingAddress(addr uint64) {
	if err := q.TrySetAvailRingAddress(addr); err != nil {
		q.log().Error("virtio queue available ring breaks alignment constraints", "addr", memory.GuestAddress(addr))
	}
}

// SetAvailRingAddressLow replaces the low 32 bits of the available ring
// address.
func (q *Queue) SetAvailRingAddressLow(low uint32) {
	q.SetAvailRingAddress(lowHalf(q.availRing, low))
}

// SetAvailRingAddressHigh replaces the high 32 bits of the available ring
// address.
func (q *Queue) SetAvailRingAddressHigh(high uint32) {
	q.SetAvailRingAddress(highHalf(q.availRing, high))
}

// TrySetUsedRingAddress sets the used ring address, which must be 4 byte
// aligned.
func (q *Queue) TrySetUsedRingAddress(addr uint64) error {
	return setAligned(&q.usedRing, addr, usedRingAlignMask)
}

// SetUsedRingAddress is like TrySetUsedRingAddress but logs and ignores a
// misaligned address.
func (q *Queue) SetUsedRingAddress(addr uint64) {
	if err := q.TrySetUsedRingAddress(addr); err != nil {
		q.log().Error("virtio queue used ring breaks alignment constraints", "addr", memory.GuestAddress(addr))
	}
}

// SetUsedRingAddressLow replaces the low 32 bits of the used ring address.
func (q *Queue) SetUsedRingAddressLow(low uint32) {
	q.SetUsedRingAddress(lowHalf(q.usedRing, low))
}

// SetUsedRingAddressHigh replaces the high 32 bits of the used ring address.
func (q *Queue) SetUsedRingAddressHigh(high uint32) {
	q.SetUsedRingAddress(highHalf(q.usedRing, high))
}

// NextAvail returns the index of the next available ring entry to consume.
func (q *Queue) NextAvail() uint16 { return q.nextAvail }

// SetNextAvail sets the next available ring index.
func (q *Queue) SetNextAvail(v uint16) { q.nextAvail = v }

// NextUsed returns the index of the next used ring entry to fill.
func (q *Queue) NextUsed() uint16 { return q.nextUsed }

// SetNextUsed sets the next used ring index.
func (q *Queue) SetNextUsed(v uint16) { q.nextUsed = v }

// GoToPreviousPosition moves next_avail back by one entry.
func (q *Queue) GoToPreviousPosition() { q.nextAvail-- }

// AvailIdx loads the idx field of the available ring.
func (q *Queue) AvailIdx(mem memory.GuestMemory) (uint16, error) {
	addr, ok := q.availRing.CheckedAdd(2)
	if !ok {
		return 0, ErrAddressOverflow
	}

	return mem.LoadUint16(addr)
}

// UsedIdx loads the idx field of the used ring.
func (q *Queue) UsedIdx(mem memory.GuestMemory) (uint16, error) {
	addr, ok := q.usedRing.CheckedAdd(2)
	if !ok {
		return 0, ErrAddressOverflow
	}

	return mem.LoadUint16(addr)
}

// AddUsed places the chain with head index head in the used ring, recording
// that length bytes were written to it, and publishes the new used index.
func (q *Queue) AddUsed(mem memory.GuestMemory, head uint16, length uint32) error {
	if head >= q.size {
		q.log().Error("attempted to add out of bounds descriptor to used ring", "head", head)
		return ErrInvalidDescriptorIndex
	}

	off := UsedRingHeaderSize + uint64(q.nextUsed%q.size)*UsedElementSize
	addr, ok := q.usedRing.CheckedAdd(off)
	if !ok {
		return ErrAddressOverflow
	}

	var elem [UsedElementSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := mem.WriteAt(elem[:], addr); err != nil {
		return err
	}

	q.nextUsed++
	q.numAdded++

	idxAddr, ok := q.usedRing.CheckedAdd(2)
	if !ok {
		return ErrAddressOverflow
	}

	return mem.StoreUint16(q.nextUsed, idxAddr)
}

// setAvailEvent writes the avail_event field that trails the used ring.
func (q *Queue) setAvailEvent(mem memory.GuestMemory, v uint16) error {
	addr, ok := q.usedRing.CheckedAdd(UsedRingHeaderSize + UsedElementSize*uint64(q.size))
	if !ok {
		return ErrAddressOverflow
	}

	return mem.StoreUint16(v, addr)
}

// usedEvent reads the used_event field that trails the available ring.
//
// Neither this field nor the used ring flags are synchronized with the
// driver; they only make notification suppression cheaper.
func (q *Queue) usedEvent(mem memory.GuestMemory) (uint16, error) {
	addr, ok := q.availRing.CheckedAdd(AvailRingHeaderSize + AvailElementSize*uint64(q.size))
	if !ok {
		return 0, ErrAddressOverflow
	}

	return mem.LoadUint16(addr)
}

func (q *Queue) setNotification(mem memory.GuestMemory, enable bool) error {
	switch {
	case enable && q.eventIdxEnabled:
		// Use next_avail rather than the current avail idx so that entries
		// published meanwhile still trigger a notification.
		return q.setAvailEvent(mem, q.nextAvail)
	case enable:
		return mem.StoreUint16(0, q.usedRing)
	case !q.eventIdxEnabled:
		return mem.StoreUint16(UsedFlagNoNotify, q.usedRing)
	default:
		// With event idx, notifications stay off after firing once.
		return nil
	}
}

// EnableNotification asks the driver to notify the device about new available
// entries. It reports whether entries were made available that have not been
// consumed yet, in which case the caller should process the queue again.
func (q *Queue) EnableNotification(mem memory.GuestMemory) (bool, error) {
	if err := q.setNotification(mem, true); err != nil {
		return false, err
	}

	// The store above and the load below are both sequentially consistent,
	// so the load cannot be reordered before the store.
	idx, err := q.AvailIdx(mem)
	if err != nil {
		return false, err
	}

	return idx != q.nextAvail, nil
}

// DisableNotification asks the driver not to notify the device.
func (q *Queue) DisableNotification(mem memory.GuestMemory) error {
	return q.setNotification(mem, false)
}

// NeedsNotification reports whether the driver must be notified about the
// chains added to the used ring since the previous call.
func (q *Queue) NeedsNotification(mem memory.GuestMemory) (bool, error) {
	if !q.eventIdxEnabled {
		return true, nil
	}

	usedEvent, err := q.usedEvent(mem)
	if err != nil {
		return false, err
	}

	// old is next_used as of the previous call. Notify if used_event lies in
	// the circular window (old, next_used], the same test the Linux driver
	// uses so that batches of completions are covered.
	var (
		used = q.nextUsed
		old  = used - q.numAdded
	)
	q.numAdded = 0

	return used-usedEvent-1 < used-old, nil
}

// Iter returns an iterator over the chains the driver made available.
func (q *Queue) Iter(mem memory.GuestMemory) (*AvailIter, error) {
	idx, err := q.AvailIdx(mem)
	if err != nil {
		return nil, err
	}

	return newAvailIter(mem, idx, q)
}

// PopDescriptorChain returns the next available chain, or nil if there is none
// or the available ring cannot be read. Errors are logged.
func (q *Queue) PopDescriptorChain(mem memory.GuestMemory) *DescriptorChain {
	it, err := q.Iter(mem)
	if err != nil {
		q.log().Error("failed to iterate available ring", "error", err)
		return nil
	}

	return it.Next()
}
