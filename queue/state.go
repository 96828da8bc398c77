package queue

import (
	"fmt"

	"github.com/mdlayher/virtio/memory"
)

// State is the plain configuration and progress of a Queue, as saved for
// snapshots and live migration. It carries no validation of its own.
type State struct {
	MaxSize         uint16
	NextAvail       uint16
	NextUsed        uint16
	EventIdxEnabled bool
	Size            uint16
	Ready           bool
	DescTable       uint64
	AvailRing       uint64
	UsedRing        uint64
}

// State returns the current state of q.
func (q *Queue) State() State {
	return State{
		MaxSize:         q.maxSize,
		NextAvail:       q.nextAvail,
		NextUsed:        q.nextUsed,
		EventIdxEnabled: q.eventIdxEnabled,
		Size:            q.size,
		Ready:           q.ready,
		DescTable:       uint64(q.descTable),
		AvailRing:       uint64(q.availRing),
		UsedRing:        uint64(q.usedRing),
	}
}

// FromState restores a Queue from s, applying the same checks as the setters
// do for values written by a driver. The count of chains added since the last
// notification is not part of State and restarts at zero.
func FromState(s State, cfg *Config) (*Queue, error) {
	q, err := New(s.MaxSize, cfg)
	if err != nil {
		return nil, err
	}

	if err := q.TrySetSize(s.Size); err != nil {
		return nil, fmt.Errorf("size %d: %w", s.Size, err)
	}
	if err := q.TrySetDescTableAddress(s.DescTable); err != nil {
		return nil, fmt.Errorf("descriptor table %s: %w", memory.GuestAddress(s.DescTable), err)
	}
	if err := q.TrySetAvailRingAddress(s.AvailRing); err != nil {
		return nil, fmt.Errorf("available ring %s: %w", memory.GuestAddress(s.AvailRing), err)
	}
	if err := q.TrySetUsedRingAddress(s.UsedRing); err != nil {
		return nil, fmt.Errorf("used ring %s: %w", memory.GuestAddress(s.UsedRing), err)
	}

	q.nextAvail = s.NextAvail
	q.nextUsed = s.NextUsed
	q.eventIdxEnabled = s.EventIdxEnabled
	q.ready = s.Ready

	return q, nil
}
