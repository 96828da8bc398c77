package vsock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
)

// HeaderSize is the size in bytes of a virtio-vsock packet header.
const HeaderSize = 44

// Header field offsets.
const (
	srcCIDOffset   = 0
	dstCIDOffset   = 8
	srcPortOffset  = 16
	dstPortOffset  = 20
	lenOffset      = 24
	typeOffset     = 28
	opOffset       = 30
	flagsOffset    = 32
	bufAllocOffset = 36
	fwdCntOffset   = 40
)

// Packet operations.
const (
	OpInvalid       uint16 = 0
	OpRequest       uint16 = 1
	OpResponse      uint16 = 2
	OpRST           uint16 = 3
	OpShutdown      uint16 = 4
	OpRW            uint16 = 5
	OpCreditUpdate  uint16 = 6
	OpCreditRequest uint16 = 7
)

// Socket types.
const (
	TypeStream    uint16 = 1
	TypeSeqpacket uint16 = 2
)

// Flags carried by OpShutdown packets.
const (
	ShutdownRcv  uint32 = 1
	ShutdownSend uint32 = 2
)

// Flags carried by SOCK_SEQPACKET OpRW packets.
const (
	SeqEOM uint32 = 1
	SeqEOR uint32 = 2
)

var (
	// ErrDescriptorChainTooShort is returned when a chain ends before the
	// packet it describes is complete.
	ErrDescriptorChainTooShort = errors.New("vsock: descriptor chain too short")

	// ErrDescriptorLengthTooSmall is returned when a descriptor cannot hold
	// the header or data it is expected to carry.
	ErrDescriptorLengthTooSmall = errors.New("vsock: descriptor length too small")

	// ErrDescriptorLengthTooLong is returned when an RX data descriptor is
	// larger than the maximum packet data size.
	ErrDescriptorLengthTooLong = errors.New("vsock: descriptor length too long")

	// ErrUnreadableDescriptor is returned when a TX descriptor is
	// write-only.
	ErrUnreadableDescriptor = errors.New("vsock: unreadable descriptor")

	// ErrUnwritableDescriptor is returned when an RX descriptor is
	// read-only.
	ErrUnwritableDescriptor = errors.New("vsock: unwritable descriptor")

	// ErrInvalidHeaderInputSize is returned by SetHeaderFromRaw when its
	// input is not exactly HeaderSize bytes.
	ErrInvalidHeaderInputSize = errors.New("vsock: invalid header input size")
)

// An InvalidHeaderLenError is returned when a TX header announces more data
// than the device accepts.
type InvalidHeaderLenError struct {
	Len uint32
}

func (e *InvalidHeaderLenError) Error() string {
	return fmt.Sprintf("vsock: invalid header length: %d", e.Len)
}

// A Packet is a virtio-vsock packet living in guest memory.
//
// Header fields are cached when the packet is parsed. Setters update the
// cache and write through to guest memory, returning the Packet so calls may
// be chained; the first failed write is reported by Err.
type Packet struct {
	header    [HeaderSize]byte
	headerBuf *memory.Slice
	data      *memory.Slice
	err       error
}

// FromTxChain parses a packet sent by the driver on the TX queue. maxData
// bounds the amount of payload the header may announce.
func FromTxChain(mem memory.GuestMemory, chain *queue.DescriptorChain, maxData uint32) (*Packet, error) {
	head, err := nextDescriptor(chain)
	if err != nil {
		return nil, err
	}
	if head.IsWriteOnly() {
		return nil, ErrUnreadableDescriptor
	}
	if head.Len() < HeaderSize {
		return nil, ErrDescriptorLengthTooSmall
	}

	p, err := newPacket(mem, head.Addr())
	if err != nil {
		return nil, err
	}
	if _, err := p.headerBuf.ReadAt(p.header[:], 0); err != nil {
		return nil, err
	}

	if p.Op() != OpRW {
		return p, nil
	}

	n := p.Len()
	if n > maxData {
		return nil, &InvalidHeaderLenError{Len: n}
	}
	if n == 0 {
		return p, nil
	}

	// Recent drivers place the header and payload in a single descriptor.
	if !head.HasNext() && head.Len()-HeaderSize >= n {
		addr, ok := head.Addr().CheckedAdd(HeaderSize)
		if !ok {
			return nil, ErrDescriptorLengthTooSmall
		}
		if p.data, err = memory.NewSlice(mem, addr, n); err != nil {
			return nil, err
		}

		return p, nil
	}

	if !head.HasNext() {
		return nil, ErrDescriptorChainTooShort
	}

	d, err := nextDescriptor(chain)
	if err != nil {
		return nil, err
	}
	if d.IsWriteOnly() {
		return nil, ErrUnreadableDescriptor
	}
	if d.Len() < n {
		return nil, ErrDescriptorLengthTooSmall
	}
	if p.data, err = memory.NewSlice(mem, d.Addr(), n); err != nil {
		return nil, err
	}

	return p, nil
}

// FromRxChain prepares a driver-provided RX buffer to receive a packet. The
// header starts zeroed and the data slice spans the whole buffer.
func FromRxChain(mem memory.GuestMemory, chain *queue.DescriptorChain, maxData uint32) (*Packet, error) {
	head, err := nextDescriptor(chain)
	if err != nil {
		return nil, err
	}
	if !head.IsWriteOnly() {
		return nil, ErrUnwritableDescriptor
	}
	if head.Len() < HeaderSize {
		return nil, ErrDescriptorLengthTooSmall
	}

	p, err := newPacket(mem, head.Addr())
	if err != nil {
		return nil, err
	}

	if !head.HasNext() && head.Len() > HeaderSize {
		addr, ok := head.Addr().CheckedAdd(HeaderSize)
		if !ok {
			return nil, ErrDescriptorLengthTooSmall
		}
		if p.data, err = memory.NewSlice(mem, addr, head.Len()-HeaderSize); err != nil {
			return nil, err
		}

		return p, nil
	}

	d, err := nextDescriptor(chain)
	if err != nil {
		return nil, err
	}
	if !d.IsWriteOnly() {
		return nil, ErrUnwritableDescriptor
	}
	if d.Len() > maxData {
		return nil, ErrDescriptorLengthTooLong
	}
	if p.data, err = memory.NewSlice(mem, d.Addr(), d.Len()); err != nil {
		return nil, err
	}

	return p, nil
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

func newPacket(mem memory.GuestMemory, addr memory.GuestAddress) (*Packet, error) {
	s, err := memory.NewSlice(mem, addr, HeaderSize)
	if err != nil {
		return nil, err
	}

	return &Packet{headerBuf: s}, nil
}

// HeaderSlice returns the guest memory holding the packet header.
func (p *Packet) HeaderSlice() *memory.Slice { return p.headerBuf }

// DataSlice returns the guest memory holding the packet payload, or nil if
// the packet carries no data.
func (p *Packet) DataSlice() *memory.Slice { return p.data }

// Err returns the first error encountered while writing the header through
// to guest memory.
func (p *Packet) Err() error { return p.err }

// SrcCID returns the source context ID.
func (p *Packet) SrcCID() uint64 { return p.u64(srcCIDOffset) }

// DstCID returns the destination context ID.
func (p *Packet) DstCID() uint64 { return p.u64(dstCIDOffset) }

// SrcPort returns the source port.
func (p *Packet) SrcPort() uint32 { return p.u32(srcPortOffset) }

// DstPort returns the destination port.
func (p *Packet) DstPort() uint32 { return p.u32(dstPortOffset) }

// Len returns the payload length announced by the header.
func (p *Packet) Len() uint32 { return p.u32(lenOffset) }

// Type returns the socket type.
func (p *Packet) Type() uint16 { return p.u16(typeOffset) }

// Op returns the packet operation.
func (p *Packet) Op() uint16 { return p.u16(opOffset) }

// Flags returns the operation specific flags.
func (p *Packet) Flags() uint32 { return p.u32(flagsOffset) }

// BufAlloc returns the sender's receive buffer size.
func (p *Packet) BufAlloc() uint32 { return p.u32(bufAllocOffset) }

// FwdCnt returns the number of bytes the sender has consumed.
func (p *Packet) FwdCnt() uint32 { return p.u32(fwdCntOffset) }

// SrcAddr returns the source address of the packet.
func (p *Packet) SrcAddr() *Addr {
	return &Addr{ContextID: uint32(p.SrcCID()), Port: p.SrcPort()}
}

// DstAddr returns the destination address of the packet.
func (p *Packet) DstAddr() *Addr {
	return &Addr{ContextID: uint32(p.DstCID()), Port: p.DstPort()}
}

// SetSrcCID sets the source context ID.
func (p *Packet) SetSrcCID(v uint64) *Packet { return p.putU64(srcCIDOffset, v) }

// SetDstCID sets the destination context ID.
func (p *Packet) SetDstCID(v uint64) *Packet { return p.putU64(dstCIDOffset, v) }

// SetSrcPort sets the source port.
func (p *Packet) SetSrcPort(v uint32) *Packet { return p.putU32(srcPortOffset, v) }

// SetDstPort sets the destination port.
func (p *Packet) SetDstPort(v uint32) *Packet { return p.putU32(dstPortOffset, v) }

// SetLen sets the payload length.
func (p *Packet) SetLen(v uint32) *Packet { return p.putU32(lenOffset, v) }

// SetType sets the socket type.
func (p *Packet) SetType(v uint16) *Packet { return p.putU16(typeOffset, v) }

// SetOp sets the packet operation.
func (p *Packet) SetOp(v uint16) *Packet { return p.putU16(opOffset, v) }

// SetFlags sets the operation specific flags.
func (p *Packet) SetFlags(v uint32) *Packet { return p.putU32(flagsOffset, v) }

// SetFlag ORs flag into the current flags.
func (p *Packet) SetFlag(flag uint32) *Packet { return p.SetFlags(p.Flags() | flag) }

// SetBufAlloc sets the receive buffer size.
func (p *Packet) SetBufAlloc(v uint32) *Packet { return p.putU32(bufAllocOffset, v) }

// SetFwdCnt sets the number of consumed bytes.
func (p *Packet) SetFwdCnt(v uint32) *Packet { return p.putU32(fwdCntOffset, v) }

// SetHeaderFromRaw replaces the whole header with b, which must be exactly
// HeaderSize bytes long.
func (p *Packet) SetHeaderFromRaw(b []byte) error {
	if len(b) != HeaderSize {
		return ErrInvalidHeaderInputSize
	}

	copy(p.header[:], b)
	_, err := p.headerBuf.WriteAt(p.header[:], 0)
	return err
}

func (p *Packet) u16(off int) uint16 { return binary.LittleEndian.Uint16(p.header[off:]) }
func (p *Packet) u32(off int) uint32 { return binary.LittleEndian.Uint32(p.header[off:]) }
func (p *Packet) u64(off int) uint64 { return binary.LittleEndian.Uint64(p.header[off:]) }

func (p *Packet) putU16(off int, v uint16) *Packet {
	binary.LittleEndian.PutUint16(p.header[off:], v)
	return p.flush(off, 2)
}

func (p *Packet) putU32(off int, v uint32) *Packet {
	binary.LittleEndian.PutUint32(p.header[off:], v)
	return p.flush(off, 4)
}

func (p *Packet) putU64(off int, v uint64) *Packet {
	binary.LittleEndian.PutUint64(p.header[off:], v)
	return p.flush(off, 8)
}

func (p *Packet) flush(off, n int) *Packet {
	if _, err := p.headerBuf.WriteAt(p.header[off:off+n], int64(off)); err != nil && p.err == nil {
		p.err = err
	}

	return p
}
