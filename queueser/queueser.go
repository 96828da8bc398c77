// Package queueser serializes virtqueue state for snapshots and live
// migration.
//
// A serialized state is a msgpack envelope carrying a format version, so that
// states saved by one release can be rejected cleanly by another that does
// not understand them.
package queueser

import (
	"errors"
	"fmt"
	"io"

	"github.com/mdlayher/virtio/queue"
	"github.com/vmihailenco/msgpack/v5"
)

// Version is the serialization format version written by this package.
const Version = 1

// ErrUnsupportedVersion is returned when decoding a state written in an
// unknown format version.
var ErrUnsupportedVersion = errors.New("queueser: unsupported state version")

// QueueState is the serializable form of a virtqueue.
type QueueState struct {
	MaxSize         uint16 `msgpack:"max_size"`
	NextAvail       uint16 `msgpack:"next_avail"`
	NextUsed        uint16 `msgpack:"next_used"`
	EventIdxEnabled bool   `msgpack:"event_idx_enabled"`
	Size            uint16 `msgpack:"size"`
	Ready           bool   `msgpack:"ready"`
	DescTable       uint64 `msgpack:"desc_table"`
	AvailRing       uint64 `msgpack:"avail_ring"`
	UsedRing        uint64 `msgpack:"used_ring"`
}

type envelope struct {
	Version uint16     `msgpack:"version"`
	State   QueueState `msgpack:"state"`
}

// FromQueue captures the state of q.
func FromQueue(q *queue.Queue) QueueState { return FromState(q.State()) }

// FromState converts a plain queue state.
func FromState(s queue.State) QueueState {
	return QueueState{
		MaxSize:         s.MaxSize,
		NextAvail:       s.NextAvail,
		NextUsed:        s.NextUsed,
		EventIdxEnabled: s.EventIdxEnabled,
		Size:            s.Size,
		Ready:           s.Ready,
		DescTable:       s.DescTable,
		AvailRing:       s.AvailRing,
		UsedRing:        s.UsedRing,
	}
}

// State converts s to a plain queue state without validation.
func (s QueueState) State() queue.State {
	return queue.State{
		MaxSize:         s.MaxSize,
		NextAvail:       s.NextAvail,
		NextUsed:        s.NextUsed,
		EventIdxEnabled: s.EventIdxEnabled,
		Size:            s.Size,
		Ready:           s.Ready,
		DescTable:       s.DescTable,
		AvailRing:       s.AvailRing,
		UsedRing:        s.UsedRing,
	}
}

// Queue restores a queue from s, rejecting states a device could never have
// reached.
func (s QueueState) Queue(cfg *queue.Config) (*queue.Queue, error) {
	return queue.FromState(s.State(), cfg)
}

// Marshal encodes s.
func Marshal(s QueueState) ([]byte, error) {
	return msgpack.Marshal(envelope{Version: Version, State: s})
}

// Unmarshal decodes a state encoded by Marshal.
func Unmarshal(b []byte) (QueueState, error) {
	var e envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return QueueState{}, fmt.Errorf("queueser: %w", err)
	}

	return e.check()
}

// Encode writes s to w.
func Encode(w io.Writer, s QueueState) error {
	return msgpack.NewEncoder(w).Encode(envelope{Version: Version, State: s})
}

// Decode reads a state written by Encode from r.
func Decode(r io.Reader) (QueueState, error) {
	var e envelope
	if err := msgpack.NewDecoder(r).Decode(&e); err != nil {
		return QueueState{}, fmt.Errorf("queueser: %w", err)
	}

	return e.check()
}

func (e envelope) check() (QueueState, error) {
	if e.Version != Version {
		return QueueState{}, fmt.Errorf("version %d: %w", e.Version, ErrUnsupportedVersion)
	}

	return e.State, nil
}
