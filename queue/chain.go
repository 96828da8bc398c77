package queue

import (
	"math"

	"github.com/mdlayher/virtio/memory"
)

// A DescriptorChain iterates over the descriptors of a chain that starts at a
// head index in a descriptor table, following indirect tables as they appear.
//
// Iteration stops at the end of the chain or at the first error, which is then
// reported by Err.
type DescriptorChain struct {
	mem        memory.GuestMemory
	descTable  memory.GuestAddress
	queueSize  uint16
	headIndex  uint16
	nextIndex  uint16
	ttl        uint16
	yielded    uint32
	isIndirect bool
	truncated  bool
	filter     func(Descriptor) bool
	err        error
}

// NewDescriptorChain creates a chain over the table at descTable, which holds
// queueSize descriptors, starting with headIndex.
func NewDescriptorChain(mem memory.GuestMemory, descTable memory.GuestAddress, queueSize, headIndex uint16) *DescriptorChain {
	return &DescriptorChain{
		mem:       mem,
		descTable: descTable,
		queueSize: queueSize,
		headIndex: headIndex,
		nextIndex: headIndex,
		ttl:       queueSize,
	}
}

// HeadIndex returns the index of the first descriptor of the chain.
func (c *DescriptorChain) HeadIndex() uint16 { return c.headIndex }

// Memory returns the guest memory the chain reads from.
func (c *DescriptorChain) Memory() memory.GuestMemory { return c.mem }

// Err returns the error that ended iteration early, if any.
func (c *DescriptorChain) Err() error { return c.err }

// Readable returns a copy of c, at its current position, that only yields
// device-readable descriptors.
func (c *DescriptorChain) Readable() *DescriptorChain {
	return c.filtered(func(d Descriptor) bool { return !d.IsWriteOnly() })
}

// Writable returns a copy of c, at its current position, that only yields
// device-writable descriptors.
func (c *DescriptorChain) Writable() *DescriptorChain {
	return c.filtered(func(d Descriptor) bool { return d.IsWriteOnly() })
}

func (c *DescriptorChain) filtered(fn func(Descriptor) bool) *DescriptorChain {
	cc := *c
	cc.filter = fn
	return &cc
}

// Collect drains the chain into a slice.
func (c *DescriptorChain) Collect() ([]Descriptor, error) {
	var ds []Descriptor
	for {
		d, ok := c.Next()
		if !ok {
			return ds, c.Err()
		}
		ds = append(ds, d)
	}
}

// Next returns the next descriptor of the chain. ok is false once the chain
// is exhausted or an error occurred.
func (c *DescriptorChain) Next() (d Descriptor, ok bool) {
	for {
		d, ok = c.next()
		if !ok || c.filter == nil || c.filter(d) {
			return d, ok
		}
	}
}

func (c *DescriptorChain) next() (Descriptor, bool) {
	if c.err != nil {
		return Descriptor{}, false
	}
	if c.ttl == 0 {
		if c.truncated {
			c.err = ErrInvalidChain
		}
		return Descriptor{}, false
	}
	if c.nextIndex >= c.queueSize {
		c.err = ErrInvalidDescriptorIndex
		return Descriptor{}, false
	}

	addr, ok := c.descTable.CheckedAdd(uint64(c.nextIndex) * DescriptorSize)
	if !ok {
		c.err = ErrAddressOverflow
		return Descriptor{}, false
	}

	// The driver must not touch a descriptor once it has been made
	// available, so a plain read is enough here.
	d, err := ReadDescriptor(c.mem, addr)
	if err != nil {
		c.err = err
		return Descriptor{}, false
	}

	if d.RefersToIndirectTable() {
		if err := c.switchToIndirectTable(d); err != nil {
			c.err = err
			return Descriptor{}, false
		}
		return c.next()
	}

	// A chain longer than 2^32 bytes is illegal.
	if uint64(c.yielded)+uint64(d.Len()) > math.MaxUint32 {
		c.err = ErrInvalidChain
		return Descriptor{}, false
	}
	c.yielded += d.Len()

	if d.HasNext() {
		c.nextIndex = d.Next()
		c.ttl--
		c.truncated = c.ttl == 0
	} else {
		c.ttl = 0
	}

	return d, true
}

func (c *DescriptorChain) switchToIndirectTable(d Descriptor) error {
	// An indirect table may not itself contain indirect descriptors.
	if c.isIndirect {
		return ErrInvalidIndirectDescriptor
	}

	// The table address needs no particular alignment, but its length must
	// describe whole descriptors.
	if d.Len()%DescriptorSize != 0 {
		return ErrInvalidIndirectDescriptorTable
	}

	n := d.Len() / DescriptorSize
	if n > math.MaxUint16 {
		return ErrInvalidIndirectDescriptorTable
	}

	c.descTable = d.Addr()
	c.queueSize = uint16(n)
	c.nextIndex = 0
	c.ttl = c.queueSize
	c.isIndirect = true

	return nil
}
