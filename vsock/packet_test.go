package vsock

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
	"github.com/mdlayher/virtio/queue/queuetest"
)

const (
	testMaxData    = 0x1000
	testHeaderAddr = 0x4000
	testDataAddr   = 0x5000
)

func testMemory(t *testing.T) *memory.Mmap {
	t.Helper()

	mem, err := memory.FromRanges([]memory.Range{{Start: 0, Size: 0x10000}})
	if err != nil {
		t.Fatalf("failed to create guest memory: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	return mem
}

// testChain makes descs available as a single chain and pops it.
func testChain(t *testing.T, mem memory.GuestMemory, descs []queue.Descriptor) *queue.DescriptorChain {
	t.Helper()

	vq := queuetest.New(mem, 16)
	if err := vq.BuildDescChain(descs); err != nil {
		t.Fatalf("failed to build chain: %v", err)
	}

	q, err := vq.CreateQueue(nil)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	c := q.PopDescriptorChain(mem)
	if c == nil {
		t.Fatal("expected a descriptor chain")
	}

	return c
}

func rawHeader(op uint16, n uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(b[srcCIDOffset:], 3)
	binary.LittleEndian.PutUint64(b[dstCIDOffset:], Host)
	binary.LittleEndian.PutUint32(b[srcPortOffset:], 1024)
	binary.LittleEndian.PutUint32(b[dstPortOffset:], 2048)
	binary.LittleEndian.PutUint32(b[lenOffset:], n)
	binary.LittleEndian.PutUint16(b[typeOffset:], TypeStream)
	binary.LittleEndian.PutUint16(b[opOffset:], op)
	binary.LittleEndian.PutUint32(b[flagsOffset:], 0)
	binary.LittleEndian.PutUint32(b[bufAllocOffset:], 0x10000)
	binary.LittleEndian.PutUint32(b[fwdCntOffset:], 16)
	return b
}

func mustWrite(t *testing.T, mem memory.GuestMemory, b []byte, addr memory.GuestAddress) {
	t.Helper()

	if err := mem.WriteAt(b, addr); err != nil {
		t.Fatalf("failed to write guest memory: %v", err)
	}
}

func TestFromTxChain(t *testing.T) {
	tests := []struct {
		name     string
		header   []byte
		descs    []queue.Descriptor
		dataAddr memory.GuestAddress
		dataLen  uint32
		err      error
	}{
		{
			name:   "header write-only",
			header: rawHeader(OpRequest, 0),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, queue.DescFlagWrite, 0),
			},
			err: ErrUnreadableDescriptor,
		},
		{
			name:   "header too small",
			header: rawHeader(OpRequest, 0),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize-1, 0, 0),
			},
			err: ErrDescriptorLengthTooSmall,
		},
		{
			name:   "header out of memory",
			header: rawHeader(OpRequest, 0),
			descs: []queue.Descriptor{
				queue.NewDescriptor(0xffff_0000, HeaderSize, 0, 0),
			},
			err: memory.ErrInvalidAddress,
		},
		{
			name:   "control packet",
			header: rawHeader(OpRequest, 8),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
			},
		},
		{
			name:   "data length too large",
			header: rawHeader(OpRW, testMaxData+1),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
				queue.NewDescriptor(testDataAddr, testMaxData+1, 0, 0),
			},
			err: &InvalidHeaderLenError{Len: testMaxData + 1},
		},
		{
			name:   "empty RW",
			header: rawHeader(OpRW, 0),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
			},
		},
		{
			name:   "single descriptor",
			header: rawHeader(OpRW, 16),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize+16, 0, 0),
			},
			dataAddr: testHeaderAddr + HeaderSize,
			dataLen:  16,
		},
		{
			name:   "single descriptor too short",
			header: rawHeader(OpRW, 16),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize+15, 0, 0),
			},
			err: ErrDescriptorChainTooShort,
		},
		{
			name:   "separate data descriptor",
			header: rawHeader(OpRW, 16),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
				queue.NewDescriptor(testDataAddr, 32, 0, 0),
			},
			dataAddr: testDataAddr,
			dataLen:  16,
		},
		{
			name:   "data write-only",
			header: rawHeader(OpRW, 16),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
				queue.NewDescriptor(testDataAddr, 16, queue.DescFlagWrite, 0),
			},
			err: ErrUnreadableDescriptor,
		},
		{
			name:   "data too small",
			header: rawHeader(OpRW, 16),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
				queue.NewDescriptor(testDataAddr, 15, 0, 0),
			},
			err: ErrDescriptorLengthTooSmall,
		},
		{
			name:   "data out of memory",
			header: rawHeader(OpRW, 16),
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, 0, 0),
				queue.NewDescriptor(0xffff_fff0, 16, 0, 0),
			},
			err: memory.ErrInvalidAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := testMemory(t)
			mustWrite(t, mem, tt.header, testHeaderAddr)

			p, err := FromTxChain(mem, testChain(t, mem, tt.descs), testMaxData)
			if tt.err != nil {
				var herr *InvalidHeaderLenError
				if errors.As(tt.err, &herr) {
					var got *InvalidHeaderLenError
					if !errors.As(err, &got) {
						t.Fatalf("expected header length error, but got: %v", err)
					}
					if diff := cmp.Diff(herr, got); diff != "" {
						t.Fatalf("unexpected error (-want +got):\n%s", diff)
					}
					return
				}

				if !errors.Is(err, tt.err) {
					t.Fatalf("unexpected error:\n- want: %v\n-  got: %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to parse packet: %v", err)
			}

			if diff := cmp.Diff(tt.header, mustBytes(t, p.HeaderSlice())); diff != "" {
				t.Fatalf("unexpected header (-want +got):\n%s", diff)
			}

			if tt.dataLen == 0 {
				if p.DataSlice() != nil {
					t.Fatalf("expected no data, but got %d bytes", p.DataSlice().Len())
				}
				return
			}

			got := [2]uint64{uint64(p.DataSlice().Addr()), uint64(p.DataSlice().Len())}
			if diff := cmp.Diff([2]uint64{uint64(tt.dataAddr), uint64(tt.dataLen)}, got); diff != "" {
				t.Fatalf("unexpected data slice (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromRxChain(t *testing.T) {
	tests := []struct {
		name     string
		descs    []queue.Descriptor
		dataAddr memory.GuestAddress
		dataLen  uint32
		err      error
	}{
		{
			name: "header read-only",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize+16, 0, 0),
			},
			err: ErrUnwritableDescriptor,
		},
		{
			name: "header too small",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize-1, queue.DescFlagWrite, 0),
			},
			err: ErrDescriptorLengthTooSmall,
		},
		{
			name: "header only",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, queue.DescFlagWrite, 0),
			},
			err: ErrDescriptorChainTooShort,
		},
		{
			name: "single descriptor",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize+0x100, queue.DescFlagWrite, 0),
			},
			dataAddr: testHeaderAddr + HeaderSize,
			dataLen:  0x100,
		},
		{
			name: "separate data descriptor",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, queue.DescFlagWrite, 0),
				queue.NewDescriptor(testDataAddr, 0x200, queue.DescFlagWrite, 0),
			},
			dataAddr: testDataAddr,
			dataLen:  0x200,
		},
		{
			name: "data read-only",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, queue.DescFlagWrite, 0),
				queue.NewDescriptor(testDataAddr, 0x200, 0, 0),
			},
			err: ErrUnwritableDescriptor,
		},
		{
			name: "data too long",
			descs: []queue.Descriptor{
				queue.NewDescriptor(testHeaderAddr, HeaderSize, queue.DescFlagWrite, 0),
				queue.NewDescriptor(testDataAddr, testMaxData+1, queue.DescFlagWrite, 0),
			},
			err: ErrDescriptorLengthTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := testMemory(t)

			p, err := FromRxChain(mem, testChain(t, mem, tt.descs), testMaxData)
			if !errors.Is(err, tt.err) {
				t.Fatalf("unexpected error:\n- want: %v\n-  got: %v", tt.err, err)
			}
			if err != nil {
				return
			}

			// RX headers start zeroed regardless of guest memory contents.
			if diff := cmp.Diff(uint16(OpInvalid), p.Op()); diff != "" {
				t.Fatalf("unexpected op (-want +got):\n%s", diff)
			}

			got := [2]uint64{uint64(p.DataSlice().Addr()), uint64(p.DataSlice().Len())}
			if diff := cmp.Diff([2]uint64{uint64(tt.dataAddr), uint64(tt.dataLen)}, got); diff != "" {
				t.Fatalf("unexpected data slice (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPacketHeaderWriteThrough(t *testing.T) {
	mem := testMemory(t)

	p, err := FromRxChain(mem, testChain(t, mem, []queue.Descriptor{
		queue.NewDescriptor(testHeaderAddr, HeaderSize+64, queue.DescFlagWrite, 0),
	}), testMaxData)
	if err != nil {
		t.Fatalf("failed to parse packet: %v", err)
	}

	p.SetSrcCID(3).
		SetDstCID(Host).
		SetSrcPort(1024).
		SetDstPort(2048).
		SetLen(16).
		SetType(TypeStream).
		SetOp(OpRW).
		SetFlags(0).
		SetFlag(ShutdownRcv).
		SetFlag(ShutdownSend).
		SetBufAlloc(0x10000).
		SetFwdCnt(16)
	if err := p.Err(); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}

	want := rawHeader(OpRW, 16)
	binary.LittleEndian.PutUint32(want[flagsOffset:], ShutdownRcv|ShutdownSend)

	if diff := cmp.Diff(want, mustBytes(t, p.HeaderSlice())); diff != "" {
		t.Fatalf("unexpected header in guest memory (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(&Addr{ContextID: 3, Port: 1024}, p.SrcAddr()); diff != "" {
		t.Fatalf("unexpected source address (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&Addr{ContextID: Host, Port: 2048}, p.DstAddr()); diff != "" {
		t.Fatalf("unexpected destination address (-want +got):\n%s", diff)
	}
}

func TestPacketSetHeaderFromRaw(t *testing.T) {
	mem := testMemory(t)

	p, err := FromRxChain(mem, testChain(t, mem, []queue.Descriptor{
		queue.NewDescriptor(testHeaderAddr, HeaderSize+64, queue.DescFlagWrite, 0),
	}), testMaxData)
	if err != nil {
		t.Fatalf("failed to parse packet: %v", err)
	}

	if err := p.SetHeaderFromRaw(make([]byte, HeaderSize-1)); !errors.Is(err, ErrInvalidHeaderInputSize) {
		t.Fatalf("expected invalid header input size error, but got: %v", err)
	}

	raw := rawHeader(OpCreditUpdate, 0)
	if err := p.SetHeaderFromRaw(raw); err != nil {
		t.Fatalf("failed to set header: %v", err)
	}

	got := []uint64{p.SrcCID(), p.DstCID(), uint64(p.SrcPort()), uint64(p.DstPort()),
		uint64(p.Len()), uint64(p.Type()), uint64(p.Op()), uint64(p.Flags()),
		uint64(p.BufAlloc()), uint64(p.FwdCnt())}
	want := []uint64{3, Host, 1024, 2048, 0, uint64(TypeStream), uint64(OpCreditUpdate), 0, 0x10000, 16}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected header fields (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(raw, mustBytes(t, p.HeaderSlice())); diff != "" {
		t.Fatalf("unexpected header in guest memory (-want +got):\n%s", diff)
	}
}

func mustBytes(t *testing.T, s *memory.Slice) []byte {
	t.Helper()

	b, err := s.Bytes()
	if err != nil {
		t.Fatalf("failed to read slice: %v", err)
	}

	return b
}
