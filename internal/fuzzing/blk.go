package fuzzing

import (
	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/mdlayher/virtio/blk"
)

const blkSectors = 64

// A BlkInput drives the blk target.
type BlkInput struct {
	Descriptors    []FuzzingDescriptor
	QueueFunctions []QueueFunction
}

// Blk parses every fuzzed chain as a block request and executes it against
// a file backend, completing the chains on the queue.
func Blk(data []byte) int {
	var in BlkInput
	if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
		return Reject
	}

	mem, err := newMemory()
	if err != nil {
		return Continue
	}
	defer mem.Close()

	f, err := newBackingFile(blkSectors * blk.SectorSize)
	if err != nil {
		return Continue
	}
	defer f.Close()

	b, err := blk.NewStdIOBackend(f, &blk.StdIOConfig{
		Features: 1<<blk.FeatureFlush | 1<<blk.FeatureDiscard | 1<<blk.FeatureWriteZeroes,
		DeviceID: []byte("virtio-fuzz"),
	})
	if err != nil {
		return Continue
	}

	q, _, err := setupQueue(mem, 0, in.Descriptors)
	if err != nil {
		return Continue
	}

	for chain := q.PopDescriptorChain(mem); chain != nil; chain = q.PopDescriptorChain(mem) {
		var n uint32
		if r, err := blk.Parse(mem, chain); err == nil {
			n, _ = b.Execute(mem, r)
		}

		if err := q.AddUsed(mem, chain.HeadIndex(), n); err != nil {
			break
		}
	}

	for _, fn := range limitFunctions(in.QueueFunctions) {
		fn.run(q, mem)
	}

	return Interesting
}
