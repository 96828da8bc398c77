package fuzzing

import (
	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

// VirtioQueue lays the fuzzed descriptors out in a queue and calls the
// fuzzed sequence of queue operations on it.
func VirtioQueue(data []byte) int {
	var in QueueInput
	if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
		return Reject
	}

	mem, err := newMemory()
	if err != nil {
		return Continue
	}
	defer mem.Close()

	q, _, err := setupQueue(mem, 0, in.Descriptors)
	if err != nil {
		return Continue
	}

	for _, f := range limitFunctions(in.Functions) {
		f.run(q, mem)
	}

	return Interesting
}
