package fuzzing

import (
	"context"
	"net"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
	"github.com/mdlayher/virtio/vsock"
)

const (
	// vsockGuestCID is the context ID of the fuzzed guest.
	vsockGuestCID = 3

	// vsockTxQueueAddr is where the muxer's TX queue is laid out, away
	// from the queue the packet functions run against.
	vsockTxQueueAddr = 0x8000

	maxPacketData = 64 * 1024
)

// Kinds of VsockFunction, one per packet operation.
const (
	fnSrcCID uint8 = iota
	fnDstCID
	fnSrcPort
	fnDstPort
	fnLen
	fnType
	fnOp
	fnFlags
	fnBufAlloc
	fnFwdCnt
	fnSetSrcCID
	fnSetDstCID
	fnSetSrcPort
	fnSetDstPort
	fnSetLen
	fnSetType
	fnSetOp
	fnSetFlags
	fnSetFlag
	fnSetBufAlloc
	fnSetFwdCnt
	fnSetHeaderFromRaw
	fnReadData
	fnWriteData
	fnAddrs
	numVsockFunctions
)

// A VsockFunction is a call to a packet operation with arguments generated
// from fuzzer input.
type VsockFunction struct {
	Kind  uint8
	U16   uint16
	U32   uint32
	U64   uint64
	Bytes []byte
}

// A VsockInput drives the vsock target.
type VsockInput struct {
	PktMaxData     uint32
	Rx             bool
	Descriptors    []FuzzingDescriptor
	Functions      []VsockFunction
	QueueFunctions []QueueFunction
}

// Vsock parses the first fuzzed chain as a TX or RX packet and calls the
// fuzzed packet and queue operations. The same descriptors are then fed
// through a Muxer on a second queue.
func Vsock(data []byte) int {
	var in VsockInput
	if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
		return Reject
	}
	maxData := in.PktMaxData % (maxPacketData + 1)

	mem, err := newMemory()
	if err != nil {
		return Continue
	}
	defer mem.Close()

	q, _, err := setupQueue(mem, 0, in.Descriptors)
	if err != nil {
		return Continue
	}

	if chain := q.PopDescriptorChain(mem); chain != nil {
		parse := vsock.FromTxChain
		if in.Rx {
			parse = vsock.FromRxChain
		}

		if p, err := parse(mem, chain, maxData); err == nil {
			for i, f := range in.Functions {
				if i == maxFunctions {
					break
				}
				f.run(p)
			}
		}
	}

	for _, f := range limitFunctions(in.QueueFunctions) {
		f.run(q, mem)
	}

	runMuxer(mem, q, in.Descriptors, maxData)

	return Interesting
}

// runMuxer processes descs as TX chains and delivers the replies into rxq.
// Host dials block until the muxer closes, so only the replies produced
// while handling TX are delivered, keeping the run deterministic.
func runMuxer(mem memory.GuestMemory, rxq *queue.Queue, descs []FuzzingDescriptor, maxData uint32) {
	m, err := vsock.NewMuxer(vsock.MuxerConfig{
		GuestCID: vsockGuestCID,
		Dialer: func(ctx context.Context, _ uint32) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		MaxPacketData: maxData,
	})
	if err != nil {
		return
	}
	defer m.Close()

	txq, _, err := setupQueue(mem, vsockTxQueueAddr, descs)
	if err != nil {
		return
	}

	if err := m.ProcessTx(mem, txq); err != nil {
		return
	}

	_, _ = m.FillRx(mem, rxq)
}

func (f VsockFunction) run(p *vsock.Packet) {
	switch f.Kind % numVsockFunctions {
	case fnSrcCID:
		_ = p.SrcCID()
	case fnDstCID:
		_ = p.DstCID()
	case fnSrcPort:
		_ = p.SrcPort()
	case fnDstPort:
		_ = p.DstPort()
	case fnLen:
		_ = p.Len()
	case fnType:
		_ = p.Type()
	case fnOp:
		_ = p.Op()
	case fnFlags:
		_ = p.Flags()
	case fnBufAlloc:
		_ = p.BufAlloc()
	case fnFwdCnt:
		_ = p.FwdCnt()
	case fnSetSrcCID:
		p.SetSrcCID(f.U64)
	case fnSetDstCID:
		p.SetDstCID(f.U64)
	case fnSetSrcPort:
		p.SetSrcPort(f.U32)
	case fnSetDstPort:
		p.SetDstPort(f.U32)
	case fnSetLen:
		p.SetLen(f.U32)
	case fnSetType:
		p.SetType(f.U16)
	case fnSetOp:
		p.SetOp(f.U16)
	case fnSetFlags:
		p.SetFlags(f.U32)
	case fnSetFlag:
		p.SetFlag(f.U32)
	case fnSetBufAlloc:
		p.SetBufAlloc(f.U32)
	case fnSetFwdCnt:
		p.SetFwdCnt(f.U32)
	case fnSetHeaderFromRaw:
		_ = p.SetHeaderFromRaw(f.Bytes)
	case fnReadData:
		if ds := p.DataSlice(); ds != nil {
			b := make([]byte, len(f.Bytes))
			_, _ = ds.ReadAt(b, int64(f.U32))
		}
	case fnWriteData:
		if ds := p.DataSlice(); ds != nil {
			_, _ = ds.WriteAt(f.Bytes, int64(f.U32))
		}
	case fnAddrs:
		_ = p.SrcAddr().String()
		_ = p.DstAddr().String()
		_ = p.HeaderSlice().Len()
	}
	_ = p.Err()
}
