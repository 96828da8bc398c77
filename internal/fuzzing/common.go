// Package fuzzing contains the fuzz targets of the device models and the
// helpers they share. Each target takes raw fuzzer input and follows the
// go-fuzz return convention.
package fuzzing

import (
	"sort"

	"github.com/mdlayher/virtio/memory"
	"github.com/mdlayher/virtio/queue"
	"github.com/mdlayher/virtio/queue/queuetest"
)

// go-fuzz return values.
const (
	// Interesting asks the fuzzer to prioritize the input.
	Interesting = 1
	// Continue accepts the input without special priority.
	Continue = 0
	// Reject keeps the input out of the corpus.
	Reject = -1
)

const (
	// MemorySize is the size of the guest memory every target runs in.
	MemorySize = 0x10000

	// QueueSize is the size of the queues laid out by setupQueue.
	QueueSize = 256

	maxFunctions = 512
)

// A Target is a fuzz target taking raw input.
type Target func(data []byte) int

// Targets maps the name of each fuzz target to its function.
var Targets = map[string]Target{
	"virtio_queue":     VirtioQueue,
	"vsock":            Vsock,
	"virtio_queue_ser": VirtioQueueSer,
	"blk":              Blk,
}

// TargetNames returns the names of Targets in sorted order.
func TargetNames() []string {
	names := make([]string, 0, len(Targets))
	for n := range Targets {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// A FuzzingDescriptor is a split descriptor as generated from fuzzer input.
type FuzzingDescriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Descriptor converts d.
func (d FuzzingDescriptor) Descriptor() queue.Descriptor {
	return queue.NewDescriptor(d.Addr, d.Len, d.Flags, d.Next)
}

// Kinds of QueueFunction, one per queue operation.
const (
	fnIsValid uint8 = iota
	fnReset
	fnMaxSize
	fnSize
	fnSetSize
	fnReady
	fnSetReady
	fnSetDescTableAddress
	fnSetDescTableAddressLow
	fnSetDescTableAddressHigh
	fnSetAvailRingAddress
	fnSetAvailRingAddressLow
	fnSetAvailRingAddressHigh
	fnSetUsedRingAddress
	fnSetUsedRingAddressLow
	fnSetUsedRingAddressHigh
	fnEventIdxEnabled
	fnSetEventIdx
	fnNextAvail
	fnSetNextAvail
	fnNextUsed
	fnSetNextUsed
	fnAvailIdx
	fnUsedIdx
	fnAddUsed
	fnEnableNotification
	fnDisableNotification
	fnNeedsNotification
	fnPopDescriptorChain
	fnIterate
	fnGoToPreviousPosition
	fnState
	numQueueFunctions
)

// A QueueFunction is a call to a queue operation with arguments generated
// from fuzzer input. Kind selects the operation modulo the number of
// operations; each operation uses the arguments it needs.
type QueueFunction struct {
	Kind uint8
	U16  uint16
	U32  uint32
	U64  uint64
	Bool bool
}

// A QueueInput drives the virtio_queue target.
type QueueInput struct {
	Functions   []QueueFunction
	Descriptors []FuzzingDescriptor
}

// newMemory creates the guest memory a target runs in. On Linux it is backed
// by a memfd.
func newMemory() (*memory.Mmap, error) {
	return memory.FromRanges([]memory.Range{{Start: 0, Size: MemorySize}})
}

// setupQueue writes descs into a queue laid out at start and makes every
// chain they form available. Descriptors past the queue size are ignored.
func setupQueue(mem memory.GuestMemory, start memory.GuestAddress, descs []FuzzingDescriptor) (*queue.Queue, *queuetest.SplitQueue, error) {
	vq := queuetest.NewAt(mem, start, QueueSize)

	if len(descs) > QueueSize {
		descs = descs[:QueueSize]
	}
	qd := make([]queue.Descriptor, 0, len(descs))
	for _, d := range descs {
		qd = append(qd, d.Descriptor())
	}

	if err := vq.AddDescChains(qd, 0); err != nil {
		return nil, nil, err
	}

	q, err := vq.CreateQueue(nil)
	if err != nil {
		return nil, nil, err
	}

	return q, vq, nil
}

func limitFunctions(fns []QueueFunction) []QueueFunction {
	if len(fns) > maxFunctions {
		return fns[:maxFunctions]
	}
	return fns
}

// run applies f to q. Errors are expected for most inputs and only matter in
// that they must not turn into panics.
func (f QueueFunction) run(q *queue.Queue, mem memory.GuestMemory) {
	switch f.Kind % numQueueFunctions {
	case fnIsValid:
		_ = q.IsValid(mem)
	case fnReset:
		q.Reset()
	case fnMaxSize:
		_ = q.MaxSize()
	case fnSize:
		_ = q.Size()
	case fnSetSize:
		q.SetSize(f.U16)
	case fnReady:
		_ = q.Ready()
	case fnSetReady:
		q.SetReady(f.Bool)
	case fnSetDescTableAddress:
		q.SetDescTableAddress(f.U64)
	case fnSetDescTableAddressLow:
		q.SetDescTableAddressLow(f.U32)
	case fnSetDescTableAddressHigh:
		q.SetDescTableAddressHigh(f.U32)
	case fnSetAvailRingAddress:
		q.SetAvailRingAddress(f.U64)
	case fnSetAvailRingAddressLow:
		q.SetAvailRingAddressLow(f.U32)
	case fnSetAvailRingAddressHigh:
		q.SetAvailRingAddressHigh(f.U32)
	case fnSetUsedRingAddress:
		q.SetUsedRingAddress(f.U64)
	case fnSetUsedRingAddressLow:
		q.SetUsedRingAddressLow(f.U32)
	case fnSetUsedRingAddressHigh:
		q.SetUsedRingAddressHigh(f.U32)
	case fnEventIdxEnabled:
		_ = q.EventIdxEnabled()
	case fnSetEventIdx:
		q.SetEventIdx(f.Bool)
	case fnNextAvail:
		_ = q.NextAvail()
	case fnSetNextAvail:
		q.SetNextAvail(f.U16)
	case fnNextUsed:
		_ = q.NextUsed()
	case fnSetNextUsed:
		q.SetNextUsed(f.U16)
	case fnAvailIdx:
		_, _ = q.AvailIdx(mem)
	case fnUsedIdx:
		_, _ = q.UsedIdx(mem)
	case fnAddUsed:
		_ = q.AddUsed(mem, f.U16, f.U32)
	case fnEnableNotification:
		_, _ = q.EnableNotification(mem)
	case fnDisableNotification:
		_ = q.DisableNotification(mem)
	case fnNeedsNotification:
		_, _ = q.NeedsNotification(mem)
	case fnPopDescriptorChain:
		if c := q.PopDescriptorChain(mem); c != nil {
			drain(c, f.Bool)
		}
	case fnIterate:
		it, err := q.Iter(mem)
		if err != nil {
			return
		}
		for c := it.Next(); c != nil; c = it.Next() {
			drain(c, f.Bool)
		}
	case fnGoToPreviousPosition:
		q.GoToPreviousPosition()
	case fnState:
		_, _ = queue.FromState(q.State(), nil)
	}
}

// drain walks every descriptor of c, optionally only the writable ones.
func drain(c *queue.DescriptorChain, writable bool) {
	if writable {
		c = c.Writable()
	}
	for {
		if _, ok := c.Next(); !ok {
			return
		}
	}
}
