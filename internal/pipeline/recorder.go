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

package pipeline

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"mktreplay"

	"mktreplay/internal/affinity"
	"mktreplay/internal/logfile"
)

// RecorderMetrics exposes the recorder's loss counters for thread-safe
// reads.
type RecorderMetrics struct {
	GapCount       atomic.Int64 // missing sequences (duplicates count as 1)
	OverwriteCount atomic.Int64 // ring buffer laps detected
}

// Recorder is the durable consumer: it drains the ring buffer into a log
// file in batches, maintaining a running expected sum for the end-of-run
// cross-check against the aggregator.
//
// Messages reach disk in strictly increasing sequence order. A detected gap
// (ring buffer lap) is logged and counted but recording continues - the gap
// stays visible in the file's sequence stream and the header's range
// reflects the actual first/last recorded sequences.
type Recorder struct {
	rb   *mktreplay.RingBuffer
	path string
	w    *logfile.Writer

	batch     []mktreplay.Msg
	batchSize int

	cursor      mktreplay.Cursor
	lastSeq     atomic.Int64
	recorded    atomic.Int64
	expectedSum atomicFloat64
	kahanC      float64

	metrics RecorderMetrics
	cpu     int

	running atomic.Bool
	stopReq atomic.Bool
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder writing to outputPath with the default
// batch size.
func NewRecorder(rb *mktreplay.RingBuffer, outputPath string) *Recorder {
	r := &Recorder{
		rb:        rb,
		path:      outputPath,
		batchSize: mktreplay.DefaultBatchSize,
		cpu:       affinity.Unset,
	}
	r.batch = make([]mktreplay.Msg, 0, r.batchSize)
	r.lastSeq.Store(mktreplay.InvalidSeq)
	return r
}

// SetBatchSize overrides the disk write batch size. Call before Start.
func (r *Recorder) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
		r.batch = make([]mktreplay.Msg, 0, n)
	}
}

// SetCPU pins the recorder goroutine's OS thread to core (affinity.Unset
// to leave it unpinned). Call before Start.
func (r *Recorder) SetCPU(core int) { r.cpu = core }

// Start opens the output file and launches the recorder goroutine. Failing
// to open the output aborts the start.
func (r *Recorder) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		log.Printf("recorder already running, ignoring start")
		return nil
	}
	w, err := logfile.Create(r.path)
	if err != nil {
		r.running.Store(false)
		log.Printf("recorder: cannot open output file: %v", err)
		return fmt.Errorf("recorder: %w", err)
	}
	r.w = w
	r.stopReq.Store(false)
	r.recorded.Store(0)
	r.lastSeq.Store(mktreplay.InvalidSeq)
	r.expectedSum.Store(0)
	r.kahanC = 0

	log.Printf("recorder start: output=%s batch_size=%d", r.path, r.batchSize)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	return nil
}

// Stop requests a cooperative stop, drains the remaining batch and closes
// the log file, which marks it complete.
func (r *Recorder) Stop() {
	r.stopReq.Store(true)
	r.wg.Wait()
	if r.w != nil {
		r.writeBatch()
		if err := r.w.Close(); err != nil {
			log.Printf("recorder: close failed: %v", err)
		}
		r.w = nil
	}
	log.Printf("recorder stopped: recorded=%d gaps=%d overwrites=%d",
		r.RecordedCount(), r.metrics.GapCount.Load(), r.metrics.OverwriteCount.Load())
}

// Flush writes the pending batch to the open log and rewrites its header.
// It uses the writer without synchronisation, so a call while the run loop
// is active races with it. Before Start and after Stop no writer is open
// and Flush does nothing; Stop itself writes the final batch. The run loop
// flushes on its own whenever it goes idle.
func (r *Recorder) Flush() {
	r.writeBatch()
}

// Running reports whether the recorder goroutine is active.
func (r *Recorder) Running() bool { return r.running.Load() }

// RecordedCount returns the number of messages written so far.
func (r *Recorder) RecordedCount() int64 { return r.recorded.Load() }

// LastSeq returns the last recorded sequence, or InvalidSeq.
func (r *Recorder) LastSeq() int64 { return r.lastSeq.Load() }

// ExpectedSum returns the Kahan-compensated sum of all recorded payloads.
func (r *Recorder) ExpectedSum() float64 { return r.expectedSum.Load() }

// Metrics returns the recorder's loss counters.
func (r *Recorder) Metrics() *RecorderMetrics { return &r.metrics }

func (r *Recorder) run() {
	defer r.running.Store(false)

	if err := affinity.Pin(r.cpu, "recorder"); err != nil {
		log.Printf("recorder: cpu pin failed (non-fatal): %v", err)
	}

	r.cursor.Set(0)

	for !r.stopReq.Load() {
		seq := r.cursor.Seq()
		msg, st := r.rb.ReadEx(seq)

		switch st {
		case mktreplay.StatusOK:
			prev := r.lastSeq.Load()
			if prev != mktreplay.InvalidSeq && msg.Seq <= prev {
				// Duplicate or out-of-order: skip, keep the disk stream
				// strictly increasing.
				log.Printf("recorder: duplicate/out-of-order seq=%d prev=%d", msg.Seq, prev)
				r.metrics.GapCount.Add(1)
				r.cursor.Advance()
				break
			}
			if prev != mktreplay.InvalidSeq && msg.Seq != prev+1 {
				gap := msg.Seq - prev - 1
				r.metrics.GapCount.Add(gap)
				log.Printf("recorder: seq gap, expected=%d got=%d gap=%d", prev+1, msg.Seq, gap)
			}

			r.batch = append(r.batch, msg)
			kahanAdd(&r.expectedSum, &r.kahanC, msg.Payload)
			r.lastSeq.Store(msg.Seq)
			r.recorded.Add(1)
			r.cursor.Advance()

			if len(r.batch) >= r.batchSize {
				r.writeBatch()
			}

		case mktreplay.StatusOverwritten:
			// The recorder was lapped: this data loss is permanent.
			r.metrics.OverwriteCount.Add(1)
			log.Printf("CRITICAL: recorder lapped by producer at seq=%d, data loss is permanent; consider a larger ring", seq)

			// Flush what we have before the gap, then re-synchronise near
			// the head, leaving half the ring as runway.
			if len(r.batch) > 0 {
				r.writeBatch()
			}
			latest := r.rb.LatestSeq()
			if latest >= 0 {
				newPos := latest - int64(r.rb.Capacity())/2
				if s := seq + 1; s > newPos {
					newPos = s
				}
				r.cursor.Set(newPos)
			} else {
				r.cursor.Advance()
			}

		case mktreplay.StatusNotReady:
			// Bound latency: push the partial batch out while idle.
			if len(r.batch) > 0 {
				r.writeBatch()
			}
			runtime.Gosched()
		}
	}
	log.Printf("recorder completed: recorded=%d", r.RecordedCount())
}

func (r *Recorder) writeBatch() {
	if r.w == nil {
		return
	}
	for _, m := range r.batch {
		if err := r.w.Write(m); err != nil {
			log.Printf("recorder: write failed: %v", err)
			break
		}
	}
	r.batch = r.batch[:0]
	if err := r.w.Flush(); err != nil {
		log.Printf("recorder: flush failed: %v", err)
	}
}
