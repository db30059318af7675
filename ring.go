// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mktreplay

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ReadStatus is the explicit outcome of a ring buffer read. It distinguishes
// "producer has not reached here" from "producer has lapped us".
type ReadStatus int

const (
	// StatusOK means the message was read consistently.
	StatusOK ReadStatus = iota
	// StatusNotReady means the message has not been published yet.
	StatusNotReady
	// StatusOverwritten means the slot was overwritten; the message at the
	// requested sequence is permanently gone from the buffer.
	StatusOverwritten
)

func (s ReadStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotReady:
		return "NOT_READY"
	case StatusOverwritten:
		return "OVERWRITTEN"
	default:
		return fmt.Sprintf("ReadStatus(%d)", int(s))
	}
}

// slot holds one message plus its published sequence, padded to exactly one
// cache line so adjacent slots never share a line. The seq field is the
// seqlock word: the producer's release store of seq publishes the message
// fields, and a consumer's acquire load of seq pairs with it.
type slot struct {
	msg Msg          // 24 bytes
	seq atomic.Int64 // published sequence; InvalidSeq until first publish
	_   [CacheLineSize - MsgSize - 8]byte
}

func init() {
	// The padding arithmetic above must come out to exactly one cache line;
	// anything else reintroduces false sharing between adjacent slots.
	var s slot
	if size := unsafe.Sizeof(s); size != CacheLineSize {
		panic(fmt.Sprintf("ring slot size is %d, expected %d", size, CacheLineSize))
	}
}

// RingBuffer is a lock-free single-producer multi-consumer queue over a
// fixed power-of-two array of cache-line-sized slots.
//
// The producer never blocks, never retries and never observes consumer
// state: after the first Capacity pushes every push overwrites a previously
// published slot, and consumers detect the loss through ReadEx returning
// StatusOverwritten. Consumers are fully independent; each owns a Cursor
// and there is no cross-consumer ordering.
//
// Memory ordering: the only synchronisation edge between producer and
// consumers is the release store / acquire load on each slot's seq field
// (Go's sync/atomic operations are at least that strong). The write cursor
// is advanced with an atomic add and read through LatestSeq with an atomic
// load.
type RingBuffer struct {
	slots []slot
	mask  int64

	// writeSeq is the next sequence to assign. Only the producer advances
	// it; it sits on its own cache line so the producer's hot add does not
	// bounce against the overwrite counter or the slice header.
	_        [CacheLineSize]byte
	writeSeq atomic.Int64
	_        [CacheLineSize - 8]byte
	// overwrites counts slot overwrites since creation. After the first
	// Capacity messages every push increments it; useful as a system-level
	// indicator of buffer pressure.
	overwrites atomic.Int64
	_          [CacheLineSize - 8]byte
}

// NewRingBuffer creates a ring buffer with the given slot capacity.
// Capacity must be a power of two and at least 2; DefaultCapacity is the
// production sizing for the single-process pipeline.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity must be a power of two >= 2, got %d", capacity)
	}
	r := &RingBuffer{
		slots: make([]slot, capacity),
		mask:  int64(capacity - 1),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(InvalidSeq)
	}
	return r, nil
}

// Push assigns the next sequence number to msg, copies it into its slot and
// publishes it. Returns the assigned sequence. The caller's Seq field is
// ignored; the ring buffer is the sole authority on sequence assignment.
func (r *RingBuffer) Push(msg Msg) int64 {
	seq := r.writeSeq.Add(1) - 1
	r.publish(seq, msg)
	return seq
}

// PushBatch reserves one contiguous run of sequence numbers for all messages
// with a single atomic add, then publishes each slot in order using the same
// per-slot protocol as Push. Returns the first sequence of the batch, or
// InvalidSeq when msgs is empty. Reserving the run atomically keeps the
// write cursor monotone across the batch and amortises the fetch-add.
func (r *RingBuffer) PushBatch(msgs []Msg) int64 {
	if len(msgs) == 0 {
		return InvalidSeq
	}
	first := r.writeSeq.Add(int64(len(msgs))) - int64(len(msgs))
	for i := range msgs {
		r.publish(first+int64(i), msgs[i])
	}
	return first
}

func (r *RingBuffer) publish(seq int64, msg Msg) {
	s := &r.slots[seq&r.mask]
	// A slot holding a valid sequence is about to lose data a slow consumer
	// may not have read yet.
	if s.seq.Load() != InvalidSeq {
		r.overwrites.Add(1)
	}
	msg.Seq = seq
	s.msg = msg
	s.seq.Store(seq) // publish - release; pairs with the acquire load in ReadEx
}

// ReadEx reads the message at expectedSeq with an explicit status.
//
// Seqlock protocol: load the slot's published sequence (acquire); if it is
// below expectedSeq or still InvalidSeq the producer has not reached here
// (StatusNotReady); if above, the producer has lapped us
// (StatusOverwritten). When it matches, copy the message to a local and
// re-load the published sequence - if the second load still matches, the
// copy is consistent (the producer writes message fields strictly before
// the publishing store, so a matching sequence on both sides of the copy
// brackets an untouched slot); otherwise the copy may be torn and is
// discarded as StatusOverwritten.
func (r *RingBuffer) ReadEx(expectedSeq int64) (Msg, ReadStatus) {
	if expectedSeq < 0 {
		return Msg{}, StatusNotReady
	}
	s := &r.slots[expectedSeq&r.mask]

	published := s.seq.Load()
	switch {
	case published == expectedSeq:
		local := s.msg
		// Second check: the atomic load orders the message copy above
		// before the re-read of the seqlock word.
		if s.seq.Load() == expectedSeq {
			return local, StatusOK
		}
		return Msg{}, StatusOverwritten
	case published > expectedSeq:
		return Msg{}, StatusOverwritten
	default: // published < expectedSeq, including InvalidSeq
		return Msg{}, StatusNotReady
	}
}

// Read is the legacy convenience form of ReadEx. It cannot distinguish
// NOT_READY from OVERWRITTEN; prefer ReadEx in new code.
func (r *RingBuffer) Read(expectedSeq int64) (Msg, bool) {
	msg, st := r.ReadEx(expectedSeq)
	return msg, st == StatusOK
}

// LatestSeq returns the latest published sequence number, or InvalidSeq
// when nothing has been pushed yet.
func (r *RingBuffer) LatestSeq() int64 { return r.writeSeq.Load() - 1 }

// NextWriteSeq returns the next sequence number the producer will assign.
func (r *RingBuffer) NextWriteSeq() int64 { return r.writeSeq.Load() }

// IsAvailable reports whether the message at seq is currently readable.
// This is a point-in-time snapshot; the slot may be overwritten immediately
// after it returns true.
func (r *RingBuffer) IsAvailable(seq int64) bool {
	if seq < 0 {
		return false
	}
	return r.slots[seq&r.mask].seq.Load() == seq
}

// Capacity returns the slot count.
func (r *RingBuffer) Capacity() int { return len(r.slots) }

// Size returns the approximate number of live messages in the buffer.
func (r *RingBuffer) Size() int {
	latest := r.LatestSeq()
	if latest < 0 {
		return 0
	}
	if n := latest + 1; n < int64(len(r.slots)) {
		return int(n)
	}
	return len(r.slots)
}

// OverwriteCount returns the total number of slot overwrites since creation.
func (r *RingBuffer) OverwriteCount() int64 { return r.overwrites.Load() }

// Cursor is a consumer's private read position: the next sequence it
// intends to read. Each consumer owns exactly one; cursors are not visible
// to the producer or to other consumers.
type Cursor struct {
	seq atomic.Int64
}

// Seq returns the current read position.
func (c *Cursor) Seq() int64 { return c.seq.Load() }

// Set moves the read position to seq.
func (c *Cursor) Set(seq int64) { c.seq.Store(seq) }

// Advance moves the read position forward by one and returns the position
// that was just consumed.
func (c *Cursor) Advance() int64 { return c.seq.Add(1) - 1 }
