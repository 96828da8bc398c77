// Package blk implements the device side of virtio-blk: parsing requests out
// of descriptor chains and executing them against a backing store.
package blk

import (
	"errors"
	"fmt"

	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
)

const (
	// SectorShift converts between sectors and bytes.
	SectorShift = 9

	// SectorSize is the size of a virtio-blk sector in bytes.
	SectorSize = 1 << SectorShift

	// DeviceIDLen is the length of the identifier returned by a
	// GetDeviceID request.
	DeviceIDLen = 20

	// SegmentSize is the size of a discard or write zeroes segment.
	SegmentSize = 16

	headerSize = 16
)

// A RequestType is the type field of a request header.
type RequestType uint32

// Request types understood by the device.
const (
	In          RequestType = 0
	Out         RequestType = 1
	Flush       RequestType = 4
	GetDeviceID RequestType = 8
	Discard     RequestType = 11
	WriteZeroes RequestType = 13

	// Unsupported stands in for any other type value; the raw value is
	// available from Request.RawType.
	Unsupported RequestType = 0xffffffff
)

func requestType(v uint32) RequestType {
	switch t := RequestType(v); t {
	case In, Out, Flush, GetDeviceID, Discard, WriteZeroes:
		return t
	default:
		return Unsupported
	}
}

// String returns the name of t.
func (t RequestType) String() string {
	switch t {
	case In:
		return "in"
	case Out:
		return "out"
	case Flush:
		return "flush"
	case GetDeviceID:
		return "get-id"
	case Discard:
		return "discard"
	case WriteZeroes:
		return "write-zeroes"
	default:
		return "unsupported"
	}
}

var (
	// ErrDescriptorChainTooShort is returned when a chain does not hold a
	// header, the data the request needs and a status descriptor.
	ErrDescriptorChainTooShort = errors.New("blk: descriptor chain too short")

	// ErrDescriptorLengthTooSmall is returned when the header or status
	// descriptor is too small.
	ErrDescriptorLengthTooSmall = errors.New("blk: descriptor length too small")

	// ErrUnexpectedWriteOnlyDescriptor is returned when the device finds a
	// write-only descriptor where it needs to read.
	ErrUnexpectedWriteOnlyDescriptor = errors.New("blk: unexpected write-only descriptor")

	// ErrUnexpectedReadOnlyDescriptor is returned when the device finds a
	// read-only descriptor where it needs to write.
	ErrUnexpectedReadOnlyDescriptor = errors.New("blk: unexpected read-only descriptor")

	// ErrInvalidDataLength is returned when a data descriptor length does
	// not fit the request type.
	ErrInvalidDataLength = errors.New("blk: invalid data length")

	// ErrTooManyDescriptors is returned when a request carries more data
	// descriptors than its type allows.
	ErrTooManyDescriptors = errors.New("blk: too many descriptors")
)

// A DataDescriptor is a guest buffer used by a request.
type DataDescriptor struct {
	Addr memory.GuestAddress
	Len  uint32
}

// A Request is a parsed virtio-blk request.
type Request struct {
	Type       RequestType
	RawType    uint32
	Sector     uint64
	Data       []DataDescriptor
	StatusAddr memory.GuestAddress
}

// TotalDataLen returns the sum of the lengths of the data descriptors.
func (r *Request) TotalDataLen() uint64 {
	var n uint64
	for _, d := range r.Data {
		n += uint64(d.Len)
	}

	return n
}

// Parse parses the request described by chain. The chain is consumed.
func Parse(mem memory.GuestMemory, chain *queue.DescriptorChain) (*Request, error) {
	head, err := nextDescriptor(chain)
	if err != nil {
		return nil, err
	}
	if head.IsWriteOnly() {
		return nil, ErrUnexpectedWriteOnlyDescriptor
	}
	if head.Len() < headerSize {
		return nil, ErrDescriptorLengthTooSmall
	}

	raw, err := memory.ReadUint32(mem, head.Addr())
	if err != nil {
		return nil, fmt.Errorf("blk: read header: %w", err)
	}
	sector, err := memory.ReadUint64(mem, head.Addr().UncheckedAdd(8))
	if err != nil {
		return nil, fmt.Errorf("blk: read header: %w", err)
	}

	r := &Request{
		Type:    requestType(raw),
		RawType: raw,
		Sector:  sector,
	}

	if !head.HasNext() {
		return nil, ErrDescriptorChainTooShort
	}

	d, err := nextDescriptor(chain)
	if err != nil {
		return nil, err
	}

	// Every descriptor but the last one carries data.
	for d.HasNext() {
		if err := r.checkData(mem, d); err != nil {
			return nil, err
		}
		r.Data = append(r.Data, DataDescriptor{Addr: d.Addr(), Len: d.Len()})

		if d, err = nextDescriptor(chain); err != nil {
			return nil, err
		}
	}

	switch {
	case r.Type == Flush && len(r.Data) > 0:
		return nil, ErrTooManyDescriptors
	case r.Type == GetDeviceID && len(r.Data) > 1:
		return nil, ErrTooManyDescriptors
	case r.Type != Flush && len(r.Data) == 0:
		return nil, ErrDescriptorChainTooShort
	}

	if !d.IsWriteOnly() {
		return nil, ErrUnexpectedReadOnlyDescriptor
	}
	if d.Len() < 1 {
		return nil, ErrDescriptorLengthTooSmall
	}
	if !mem.AddressInRange(d.Addr()) {
		return nil, &memory.AccessError{Addr: d.Addr(), Len: 1, Err: memory.ErrInvalidAddress}
	}
	r.StatusAddr = d.Addr()

	return r, nil
}

func (r *Request) checkData(mem memory.GuestMemory, d queue.Descriptor) error {
	switch r.Type {
	case In, GetDeviceID:
		if !d.IsWriteOnly() {
			return ErrUnexpectedReadOnlyDescriptor
		}
	case Out, Discard, WriteZeroes:
		if d.IsWriteOnly() {
			return ErrUnexpectedWriteOnlyDescriptor
		}
	}

	switch r.Type {
	case In, Out:
		if d.Len()%SectorSize != 0 {
			return ErrInvalidDataLength
		}
	case GetDeviceID:
		if d.Len() < DeviceIDLen {
			return ErrInvalidDataLength
		}
	case Discard, WriteZeroes:
		if d.Len()%SegmentSize != 0 {
			return ErrInvalidDataLength
		}
	}

	if d.Len() > 0 {
		if _, ok := mem.CheckedOffset(d.Addr(), uint64(d.Len())-1); !ok || !mem.AddressInRange(d.Addr()) {
			return &memory.AccessError{Addr: d.Addr(), Len: uint64(d.Len()), Err: memory.ErrInvalidAddress}
		}
	}

	return nil
}

func nextDescriptor(chain *queue.DescriptorChain) (queue.Descriptor, error) {
	d, ok := chain.Next()
	if ok {
		return d, nil
	}
	if err := chain.Err(); err != nil {
		return queue.Descriptor{}, fmt.Errorf("%w: %v", ErrDescriptorChainTooShort, err)
	}

	return queue.Descriptor{}, ErrDescriptorChainTooShort
}
