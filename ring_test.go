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
	"sync"
	"testing"
	"unsafe"
)

// TestMsgLayout pins down the value-type contract of Msg: its wire size and
// the validity predicate on the sequence field.
func TestMsgLayout(t *testing.T) {
	if got := unsafe.Sizeof(Msg{}); got != MsgSize {
		t.Fatalf("Msg size = %d, want %d", got, MsgSize)
	}

	m := Msg{Seq: InvalidSeq, TimestampNs: 1, Payload: 2}
	if m.Valid() {
		t.Error("Msg with InvalidSeq reported valid")
	}
	m.Seq = 0
	if !m.Valid() {
		t.Error("Msg with seq 0 reported invalid")
	}
	m.Reset()
	if m.Seq != InvalidSeq || m.TimestampNs != 0 || m.Payload != 0 {
		t.Errorf("Reset left %+v", m)
	}
}

// TestNewRingBuffer verifies the construction-time capacity validation:
// power of two, at least 2.
func TestNewRingBuffer(t *testing.T) {
	for _, bad := range []int{-1, 0, 1, 3, 100, 1000} {
		if _, err := NewRingBuffer(bad); err == nil {
			t.Errorf("NewRingBuffer(%d) succeeded, want error", bad)
		}
	}
	for _, good := range []int{2, 16, 1024, 1 << 20} {
		rb, err := NewRingBuffer(good)
		if err != nil {
			t.Fatalf("NewRingBuffer(%d): %v", good, err)
		}
		if rb.Capacity() != good {
			t.Errorf("Capacity() = %d, want %d", rb.Capacity(), good)
		}
	}
}

// TestRingBuffer_PushRead covers the basic publish/read cycle: sequences
// are assigned contiguously from 0, an unpublished slot reads NOT_READY and
// reads below zero are NOT_READY by definition.
func TestRingBuffer_PushRead(t *testing.T) {
	rb, err := NewRingBuffer(16)
	if err != nil {
		t.Fatal(err)
	}

	if rb.LatestSeq() != InvalidSeq {
		t.Errorf("empty LatestSeq() = %d, want %d", rb.LatestSeq(), InvalidSeq)
	}
	if _, st := rb.ReadEx(0); st != StatusNotReady {
		t.Errorf("ReadEx(0) on empty ring = %v, want NOT_READY", st)
	}
	if _, st := rb.ReadEx(-5); st != StatusNotReady {
		t.Errorf("ReadEx(-5) = %v, want NOT_READY", st)
	}

	for i := 0; i < 5; i++ {
		seq := rb.Push(Msg{Seq: InvalidSeq, TimestampNs: int64(i), Payload: float64(i) * 1.5})
		if seq != int64(i) {
			t.Fatalf("Push #%d assigned seq %d", i, seq)
		}
	}
	if rb.LatestSeq() != 4 {
		t.Errorf("LatestSeq() = %d, want 4", rb.LatestSeq())
	}
	if rb.NextWriteSeq() != 5 {
		t.Errorf("NextWriteSeq() = %d, want 5", rb.NextWriteSeq())
	}

	for i := int64(0); i < 5; i++ {
		msg, st := rb.ReadEx(i)
		if st != StatusOK {
			t.Fatalf("ReadEx(%d) = %v, want OK", i, st)
		}
		if msg.Seq != i || msg.Payload != float64(i)*1.5 {
			t.Errorf("ReadEx(%d) = %+v", i, msg)
		}
	}
	if _, st := rb.ReadEx(5); st != StatusNotReady {
		t.Errorf("ReadEx(5) = %v, want NOT_READY", st)
	}
	if rb.OverwriteCount() != 0 {
		t.Errorf("OverwriteCount() = %d, want 0", rb.OverwriteCount())
	}
}

// TestRingBuffer_TinyRingOverwrite exercises overwrite detection on a
// 16-slot ring lapped exactly once: the first wrap's positions read
// OVERWRITTEN, the live window reads OK, the head+1 reads NOT_READY and the
// overwrite counter equals the number of overwritten slots.
func TestRingBuffer_TinyRingOverwrite(t *testing.T) {
	rb, err := NewRingBuffer(16)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		rb.Push(Msg{Seq: InvalidSeq, Payload: float64(i)})
	}

	if _, st := rb.ReadEx(0); st != StatusOverwritten {
		t.Errorf("ReadEx(0) = %v, want OVERWRITTEN", st)
	}
	if _, st := rb.ReadEx(15); st != StatusOverwritten {
		t.Errorf("ReadEx(15) = %v, want OVERWRITTEN", st)
	}
	msg, st := rb.ReadEx(16)
	if st != StatusOK || msg.Payload != 16.0 {
		t.Errorf("ReadEx(16) = %+v, %v, want OK payload 16", msg, st)
	}
	if msg, st := rb.ReadEx(31); st != StatusOK || msg.Payload != 31.0 {
		t.Errorf("ReadEx(31) = %+v, %v, want OK payload 31", msg, st)
	}
	if _, st := rb.ReadEx(32); st != StatusNotReady {
		t.Errorf("ReadEx(32) = %v, want NOT_READY", st)
	}
	if rb.OverwriteCount() != 16 {
		t.Errorf("OverwriteCount() = %d, want 16", rb.OverwriteCount())
	}
}

// TestRingBuffer_PushBatch verifies that a batch reserves one contiguous
// run of sequences and publishes every slot readably.
func TestRingBuffer_PushBatch(t *testing.T) {
	rb, err := NewRingBuffer(64)
	if err != nil {
		t.Fatal(err)
	}

	if first := rb.PushBatch(nil); first != InvalidSeq {
		t.Errorf("PushBatch(nil) = %d, want InvalidSeq", first)
	}

	rb.Push(Msg{Payload: 99}) // seq 0

	batch := make([]Msg, 7)
	for i := range batch {
		batch[i] = Msg{Seq: InvalidSeq, Payload: float64(100 + i)}
	}
	first := rb.PushBatch(batch)
	if first != 1 {
		t.Fatalf("PushBatch first seq = %d, want 1", first)
	}
	for i := int64(0); i < 7; i++ {
		msg, st := rb.ReadEx(first + i)
		if st != StatusOK {
			t.Fatalf("ReadEx(%d) = %v, want OK", first+i, st)
		}
		if msg.Seq != first+i || msg.Payload != float64(100+i) {
			t.Errorf("ReadEx(%d) = %+v", first+i, msg)
		}
	}
	if rb.NextWriteSeq() != 8 {
		t.Errorf("NextWriteSeq() = %d, want 8", rb.NextWriteSeq())
	}
}

// TestRingBuffer_SizeAndAvailability covers the informational accessors.
func TestRingBuffer_SizeAndAvailability(t *testing.T) {
	rb, err := NewRingBuffer(8)
	if err != nil {
		t.Fatal(err)
	}
	if rb.Size() != 0 {
		t.Errorf("empty Size() = %d", rb.Size())
	}
	if rb.IsAvailable(0) || rb.IsAvailable(-1) {
		t.Error("empty ring reports availability")
	}

	for i := 0; i < 3; i++ {
		rb.Push(Msg{})
	}
	if rb.Size() != 3 {
		t.Errorf("Size() = %d, want 3", rb.Size())
	}
	if !rb.IsAvailable(2) || rb.IsAvailable(3) {
		t.Error("availability wrong after 3 pushes")
	}

	for i := 0; i < 10; i++ {
		rb.Push(Msg{})
	}
	if rb.Size() != 8 {
		t.Errorf("Size() after wrap = %d, want capacity 8", rb.Size())
	}
	if rb.IsAvailable(0) {
		t.Error("seq 0 still available after wrap")
	}
}

// TestCursor checks the consumer cursor's set/advance semantics: Advance
// returns the position that was consumed.
func TestCursor(t *testing.T) {
	var c Cursor
	if c.Seq() != 0 {
		t.Errorf("zero Cursor Seq() = %d", c.Seq())
	}
	if got := c.Advance(); got != 0 {
		t.Errorf("Advance() = %d, want 0", got)
	}
	if c.Seq() != 1 {
		t.Errorf("Seq() after Advance = %d, want 1", c.Seq())
	}
	c.Set(100)
	if got := c.Advance(); got != 100 {
		t.Errorf("Advance() after Set(100) = %d, want 100", got)
	}
}

// TestReadStatus_String keeps the status names stable; they appear in logs
// and operator-facing output.
func TestReadStatus_String(t *testing.T) {
	cases := []struct {
		st   ReadStatus
		want string
	}{
		{StatusOK, "OK"},
		{StatusNotReady, "NOT_READY"},
		{StatusOverwritten, "OVERWRITTEN"},
	}
	for _, tc := range cases {
		if got := tc.st.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", int(tc.st), got, tc.want)
		}
	}
}

// TestRingBuffer_ConcurrentSeqlock drives a producer lapping a small ring
// while a reader walks it. The seqlock contract: every OK read must be
// internally consistent - its sequence matches the requested one and its
// payload is the deterministic function of the sequence the producer used.
// A torn read would surface as a payload/sequence mismatch.
func TestRingBuffer_ConcurrentSeqlock(t *testing.T) {
	const (
		capacity = 64
		total    = 200000
	)
	rb, err := NewRingBuffer(capacity)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			rb.Push(Msg{Seq: InvalidSeq, TimestampNs: int64(i), Payload: float64(i)})
		}
	}()

	var okReads, overwritten int
	for seq := int64(0); seq < total; {
		msg, st := rb.ReadEx(seq)
		switch st {
		case StatusOK:
			if msg.Seq != seq {
				t.Fatalf("OK read at %d returned seq %d", seq, msg.Seq)
			}
			if msg.Payload != float64(seq) || msg.TimestampNs != seq {
				t.Fatalf("torn read at seq %d: %+v", seq, msg)
			}
			okReads++
			seq++
		case StatusOverwritten:
			overwritten++
			latest := rb.LatestSeq()
			if latest >= seq {
				seq = latest // jump forward; still behind or at the head
			} else {
				seq++
			}
		case StatusNotReady:
			// producer not there yet; spin
		}
	}
	wg.Wait()

	if okReads == 0 {
		t.Error("no OK reads observed")
	}
	t.Logf("ok=%d overwritten=%d ring_overwrites=%d", okReads, overwritten, rb.OverwriteCount())
}
