package queue

import "errors"

// Descriptor flags, from the virtio_ring bindings.
const (
	// DescFlagNext marks a descriptor as continuing via its next field.
	DescFlagNext uint16 = 0x1
	// DescFlagWrite marks a buffer as device write-only.
	DescFlagWrite uint16 = 0x2
	// DescFlagIndirect marks a buffer as holding an indirect descriptor table.
	DescFlagIndirect uint16 = 0x4

	// DescFlagAvail and DescFlagUsed are the packed ring wrap flags.
	DescFlagAvail uint16 = 1 << 7
	DescFlagUsed  uint16 = 1 << 15

	// UsedFlagNoNotify asks the driver not to notify the device.
	UsedFlagNoNotify uint16 = 0x1
)

// MaxQueueSize is the largest queue size allowed by the virtio specification.
const MaxQueueSize = 32768

// Ring layout sizes in bytes.
const (
	DescriptorSize = 16

	AvailRingHeaderSize = 4
	AvailElementSize    = 2
	// AvailRingMetaSize covers flags, idx and used_event.
	AvailRingMetaSize = AvailRingHeaderSize + 2

	UsedRingHeaderSize = 4
	UsedElementSize    = 8
	// UsedRingMetaSize covers flags, idx and avail_event.
	UsedRingMetaSize = UsedRingHeaderSize + 2
)

// Default guest addresses of the rings after creation or reset.
const (
	DefaultDescTableAddr = 0x0
	DefaultAvailRingAddr = 0x0
	DefaultUsedRingAddr  = 0x0
)

var (
	// ErrAddressOverflow is returned when ring address arithmetic overflows.
	ErrAddressOverflow = errors.New("queue: address overflow")

	// ErrInvalidDescriptorIndex is returned for descriptor indices past the
	// queue size.
	ErrInvalidDescriptorIndex = errors.New("queue: invalid descriptor index")

	// ErrInvalidIndirectDescriptor is returned for an indirect descriptor
	// found inside an indirect table.
	ErrInvalidIndirectDescriptor = errors.New("queue: invalid indirect descriptor")

	// ErrInvalidIndirectDescriptorTable is returned for an indirect table
	// with a bad length.
	ErrInvalidIndirectDescriptorTable = errors.New("queue: invalid indirect descriptor table")

	// ErrInvalidChain is returned for a descriptor chain whose total length
	// does not fit in 32 bits.
	ErrInvalidChain = errors.New("queue: invalid descriptor chain")

	// ErrInvalidAvailRingIndex is returned when the driver exposes more
	// entries than the queue holds.
	ErrInvalidAvailRingIndex = errors.New("queue: invalid available ring index")

	// ErrInvalidSize is returned for queue sizes that are zero, too large or
	// not a power of two.
	ErrInvalidSize = errors.New("queue: invalid size")

	// ErrInvalidMaxSize is returned for maximum sizes that are zero, larger
	// than MaxQueueSize or not a power of two.
	ErrInvalidMaxSize = errors.New("queue: invalid maximum size")

	// ErrInvalidAlignment is returned for ring addresses that break the
	// alignment constraints.
	ErrInvalidAlignment = errors.New("queue: invalid ring alignment")
)
