package fuzzing

import (
	"fmt"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/mdlayher/virtio/queueser"
)

// A QueueSerInput drives the virtio_queue_ser target after the serialized
// state it starts from.
type QueueSerInput struct {
	Functions   []QueueFunction
	Descriptors []FuzzingDescriptor
}

// VirtioQueueSer decodes a serialized queue state, restores a queue from it
// and calls the fuzzed queue operations on it. A restored queue must
// serialize back to the state it came from.
func VirtioQueueSer(data []byte) int {
	c := fuzz.NewConsumer(data)

	b, err := c.GetBytes()
	if err != nil {
		return Reject
	}
	var in QueueSerInput
	if err := c.GenerateStruct(&in); err != nil {
		return Reject
	}

	st, err := queueser.Unmarshal(b)
	if err != nil {
		return Continue
	}
	q, err := st.Queue(nil)
	if err != nil {
		return Continue
	}

	if got := queueser.FromQueue(q); got != st {
		panic(fmt.Sprintf("restored queue state mismatch: %+v != %+v", got, st))
	}

	mem, err := newMemory()
	if err != nil {
		return Continue
	}
	defer mem.Close()

	// Give the functions realistic memory contents to operate on; the
	// restored queue may or may not point at them.
	if _, _, err := setupQueue(mem, 0, in.Descriptors); err != nil {
		return Continue
	}

	for _, f := range limitFunctions(in.Functions) {
		f.run(q, mem)
	}

	out, err := queueser.Marshal(queueser.FromQueue(q))
	if err != nil {
		panic(fmt.Sprintf("failed to serialize queue state: %v", err))
	}
	if _, err := queueser.Unmarshal(out); err != nil {
		panic(fmt.Sprintf("failed to decode serialized queue state: %v", err))
	}

	return Interesting
}
