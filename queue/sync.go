package queue

import (
	"sync"

	"github.com/mdlayher/virtio/memory"
)

// A SyncQueue is a Queue guarded by a mutex so it may be shared between the
// goroutine handling transport register writes and the one processing the
// rings. Each method locks for its own duration; use Lock to hold the queue
// across several operations.
type SyncQueue struct {
	mu sync.Mutex
	q  *Queue
}

// NewSync wraps q. q must not be used directly afterwards.
func NewSync(q *Queue) *SyncQueue { return &SyncQueue{q: q} }

// Lock locks the queue and returns it. Unlock must be called when done.
func (s *SyncQueue) Lock() *Queue {
	s.mu.Lock()
	return s.q
}

// Unlock unlocks a queue locked by Lock.
func (s *SyncQueue) Unlock() { s.mu.Unlock() }

// With runs fn with the queue locked.
func (s *SyncQueue) With(fn func(q *Queue) error) error {
	q := s.Lock()
	defer s.Unlock()
	return fn(q)
}

// IsValid calls Queue.IsValid with the queue locked.
func (s *SyncQueue) IsValid(mem memory.GuestMemory) bool {
	q := s.Lock()
	defer s.Unlock()
	return q.IsValid(mem)
}

// Reset calls Queue.Reset with the queue locked.
func (s *SyncQueue) Reset() {
	q := s.Lock()
	defer s.Unlock()
	q.Reset()
}

// Ready calls Queue.Ready with the queue locked.
func (s *SyncQueue) Ready() bool {
	q := s.Lock()
	defer s.Unlock()
	return q.Ready()
}

// SetReady calls Queue.SetReady with the queue locked.
func (s *SyncQueue) SetReady(ready bool) {
	q := s.Lock()
	defer s.Unlock()
	q.SetReady(ready)
}

// AddUsed calls Queue.AddUsed with the queue locked.
func (s *SyncQueue) AddUsed(mem memory.GuestMemory, head uint16, length uint32) error {
	q := s.Lock()
	defer s.Unlock()
	return q.AddUsed(mem, head, length)
}

// EnableNotification calls Queue.EnableNotification with the queue locked.
func (s *SyncQueue) EnableNotification(mem memory.GuestMemory) (bool, error) {
	q := s.Lock()
	defer s.Unlock()
	return q.EnableNotification(mem)
}

// DisableNotification calls Queue.DisableNotification with the queue locked.
func (s *SyncQueue) DisableNotification(mem memory.GuestMemory) error {
	q := s.Lock()
	defer s.Unlock()
	return q.DisableNotification(mem)
}

// NeedsNotification calls Queue.NeedsNotification with the queue locked.
func (s *SyncQueue) NeedsNotification(mem memory.GuestMemory) (bool, error) {
	q := s.Lock()
	defer s.Unlock()
	return q.NeedsNotification(mem)
}

// PopDescriptorChain calls Queue.PopDescriptorChain with the queue locked.
func (s *SyncQueue) PopDescriptorChain(mem memory.GuestMemory) *DescriptorChain {
	q := s.Lock()
	defer s.Unlock()
	return q.PopDescriptorChain(mem)
}

// State calls Queue.State with the queue locked.
func (s *SyncQueue) State() State {
	q := s.Lock()
	defer s.Unlock()
	return q.State()
}
