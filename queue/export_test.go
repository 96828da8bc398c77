package queue

// NumAdded and SetNumAdded expose the completion counter to external tests.
func (q *Queue) NumAdded() uint16     { return q.numAdded }
func (q *Queue) SetNumAdded(n uint16) { q.numAdded = n }
