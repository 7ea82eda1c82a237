// eventring.go: MPSC ring buffer marshalling transport and caller events onto the owner loop
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"sync/atomic"
)

// eventKind identifies what an engineEvent carries
type eventKind uint8

const (
	eventValue eventKind = iota + 1
	eventIdentity
	eventRefreshAll
	eventRefreshName
	eventRefreshPrefix
	eventWrite
	eventMetadata
)

func (k eventKind) String() string {
	switch k {
	case eventValue:
		return "value"
	case eventIdentity:
		return "identity"
	case eventRefreshAll:
		return "refresh_all"
	case eventRefreshName:
		return "refresh_name"
	case eventRefreshPrefix:
		return "refresh_prefix"
	case eventWrite:
		return "write"
	case eventMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// engineEvent is the single message type carried by the ring. Only the
// fields relevant to kind are set.
type engineEvent struct {
	kind      eventKind
	component int
	name      string // parameter name or refresh prefix
	index     int
	count     int
	wire      WireValue
	value     Value
	hash      string
	meta      MetadataProvider
	origin    string
}

// eventRing is a bounded multi-producer single-consumer queue. Producers
// claim a sequence with CAS so a full ring rejects the event without
// consuming a slot; each slot is published through its availability marker
// once written.
type eventRing struct {
	buffer   []engineEvent
	capacity int64
	mask     int64

	writerCursor atomic.Int64
	readerCursor atomic.Int64
	_            [48]byte

	available []atomic.Int64

	closed    atomic.Bool
	processed atomic.Int64
	dropped   atomic.Int64
}

// newEventRing creates a ring. capacity must be a power of two; anything
// else falls back to 1024.
func newEventRing(capacity int64) *eventRing {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		capacity = 1024
	}
	r := &eventRing{
		buffer:    make([]engineEvent, capacity),
		capacity:  capacity,
		mask:      capacity - 1,
		available: make([]atomic.Int64, capacity),
	}
	for i := range r.available {
		r.available[i].Store(-1)
	}
	return r
}

// push enqueues ev. It returns false when the ring is full or closed.
func (r *eventRing) push(ev engineEvent) bool {
	if r.closed.Load() {
		r.dropped.Add(1)
		return false
	}
	for {
		sequence := r.writerCursor.Load()
		if sequence >= r.readerCursor.Load()+r.capacity {
			r.dropped.Add(1)
			return false
		}
		if r.writerCursor.CompareAndSwap(sequence, sequence+1) {
			r.buffer[sequence&r.mask] = ev
			r.available[sequence&r.mask].Store(sequence)
			return true
		}
	}
}

// drain hands every published event to fn in sequence order and returns
// how many were consumed. Must only be called by the consumer.
func (r *eventRing) drain(fn func(engineEvent)) int {
	n := 0
	for int64(n) < r.capacity {
		current := r.readerCursor.Load()
		slot := current & r.mask
		if r.available[slot].Load() != current {
			break
		}
		ev := r.buffer[slot]
		r.buffer[slot] = engineEvent{}
		r.readerCursor.Store(current + 1)
		r.processed.Add(1)
		fn(ev)
		n++
	}
	return n
}

// close rejects further pushes; already queued events can still be drained
func (r *eventRing) close() {
	r.closed.Store(true)
}

// pending returns the number of claimed but not yet consumed sequences
func (r *eventRing) pending() int64 {
	return r.writerCursor.Load() - r.readerCursor.Load()
}

// stats mirrors the counters of the ring for monitoring
func (r *eventRing) stats() map[string]int64 {
	writerPos := r.writerCursor.Load()
	readerPos := r.readerCursor.Load()
	return map[string]int64{
		"writer_position": writerPos,
		"reader_position": readerPos,
		"buffer_size":     r.capacity,
		"items_buffered":  writerPos - readerPos,
		"items_processed": r.processed.Load(),
		"items_dropped":   r.dropped.Load(),
		"closed":          boolToInt64(r.closed.Load()),
	}
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
