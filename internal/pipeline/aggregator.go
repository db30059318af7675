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
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"mktreplay"

	"mktreplay/internal/affinity"
	"mktreplay/internal/logfile"
)

// State is the aggregator's recovery state.
type State int32

const (
	// StateNormal: reading the live stream.
	StateNormal State = iota
	// StateFaulted: a fault fired, recovery not yet started.
	StateFaulted
	// StateReplaying: replaying the on-disk log.
	StateReplaying
	// StateCatchingUp: replay crossed the catch-up threshold, switching to
	// the live stream.
	StateCatchingUp
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateFaulted:
		return "FAULTED"
	case StateReplaying:
		return "REPLAYING"
	case StateCatchingUp:
		return "CATCHING_UP"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FaultKind selects a simulated fault for TriggerFault.
type FaultKind int

const (
	// FaultCrash wipes the accumulated state and starts recovery from disk.
	FaultCrash FaultKind = iota
	// FaultMessageLoss skips the cursor ahead by a fixed amount.
	// Test-only instrumentation: the skipped range shows up as a gap.
	FaultMessageLoss
	// FaultHang blocks the caller for a fixed interval.
	FaultHang
)

// messageLossSkip is the fixed cursor advance for FaultMessageLoss.
const messageLossSkip = 10

// hangDuration is the fixed sleep for FaultHang.
const hangDuration = time.Second

// FaultCallback observes fault events for external listeners.
type FaultCallback func()

// AggregatorMetrics exposes the aggregator's counters for thread-safe
// reads.
type AggregatorMetrics struct {
	GapCount       atomic.Int64
	OverwriteCount atomic.Int64
	RecoveryCount  atomic.Int64
	AutoFaultCount atomic.Int64
}

// Aggregator is the live consumer: it accumulates a Kahan-compensated
// running sum of payloads and owns the fault-and-recovery state machine
// that bridges disk replay back to the live stream.
//
// Invariants:
//   - process is called with strictly increasing sequences within any
//     single normal epoch between recoveries (duplicates are skipped).
//   - On a replay-to-live handoff, the first live sequence read equals the
//     last replayed sequence + 1 - no gap, no overlap. See switchToLive.
//   - After a successful recovery the accumulated sum equals what a
//     fault-free aggregator would have computed, provided the payload
//     stream is deterministic.
type Aggregator struct {
	rb      *mktreplay.RingBuffer
	logPath string

	cursor    mktreplay.Cursor
	sum       atomicFloat64
	kahanC    float64
	lastSeq   atomic.Int64
	processed atomic.Int64

	state      atomic.Int32
	inRecovery atomic.Bool
	switchMu   sync.Mutex

	autoFault        atomic.Bool
	faultCb          FaultCallback
	catchUpThreshold int64

	metrics AggregatorMetrics
	cpu     int

	running atomic.Bool
	stopReq atomic.Bool
	wg      sync.WaitGroup
}

// NewAggregator creates an aggregator over rb that recovers by replaying
// logPath. Automatic fault detection starts enabled.
func NewAggregator(rb *mktreplay.RingBuffer, logPath string) *Aggregator {
	a := &Aggregator{
		rb:               rb,
		logPath:          logPath,
		catchUpThreshold: mktreplay.DefaultCatchUpThreshold,
		cpu:              affinity.Unset,
	}
	a.lastSeq.Store(mktreplay.InvalidSeq)
	a.autoFault.Store(true)
	return a
}

// SetFaultCallback registers an observer fired on FaultCrash. Call before
// Start.
func (a *Aggregator) SetFaultCallback(cb FaultCallback) { a.faultCb = cb }

// SetAutoFaultDetection toggles automatic recovery when the live loop is
// lapped.
func (a *Aggregator) SetAutoFaultDetection(enabled bool) { a.autoFault.Store(enabled) }

// SetCatchUpThreshold overrides the replay-to-live catch-up threshold.
// Call before Start.
func (a *Aggregator) SetCatchUpThreshold(t int64) { a.catchUpThreshold = t }

// SetCPU pins the aggregator goroutine's OS thread to core (affinity.Unset
// to leave it unpinned). Call before Start.
func (a *Aggregator) SetCPU(core int) { a.cpu = core }

// Start launches the aggregator goroutine. A second Start on a running
// aggregator is ignored.
func (a *Aggregator) Start() {
	if !a.running.CompareAndSwap(false, true) {
		log.Printf("aggregator already running, ignoring start")
		return
	}
	a.stopReq.Store(false)
	a.state.Store(int32(StateNormal))
	log.Printf("aggregator start: log=%s", a.logPath)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run()
	}()
}

// Stop requests a cooperative stop and waits for the goroutine to exit. A
// recovery in progress completes (or aborts at its loop check) first.
func (a *Aggregator) Stop() {
	a.stopReq.Store(true)
	a.wg.Wait()
	log.Printf("aggregator stopped: processed=%d gaps=%d overwrites=%d recoveries=%d",
		a.ProcessedCount(), a.metrics.GapCount.Load(),
		a.metrics.OverwriteCount.Load(), a.metrics.RecoveryCount.Load())
}

// WaitForRecovery blocks until no recovery is in progress.
func (a *Aggregator) WaitForRecovery() {
	for a.inRecovery.Load() {
		time.Sleep(10 * time.Millisecond)
	}
}

// TriggerFault injects a simulated fault. FaultCrash runs the full
// recovery procedure on the caller's goroutine while the live loop idles.
func (a *Aggregator) TriggerFault(kind FaultKind) { a.onFault(kind) }

// Running reports whether the aggregator goroutine is active.
func (a *Aggregator) Running() bool { return a.running.Load() }

// InRecovery reports whether a recovery is in progress.
func (a *Aggregator) InRecovery() bool { return a.inRecovery.Load() }

// Sum returns the accumulated payload sum.
func (a *Aggregator) Sum() float64 { return a.sum.Load() }

// ProcessedCount returns the number of messages processed.
func (a *Aggregator) ProcessedCount() int64 { return a.processed.Load() }

// LastSeq returns the last processed sequence, or InvalidSeq.
func (a *Aggregator) LastSeq() int64 { return a.lastSeq.Load() }

// State returns the current recovery state.
func (a *Aggregator) State() State { return State(a.state.Load()) }

// Metrics returns the aggregator's counters.
func (a *Aggregator) Metrics() *AggregatorMetrics { return &a.metrics }

// ---------------------------------------------------------------------------
// Live loop. ReadEx distinguishes "not ready" from "overwritten": an
// overwrite means the producer lapped us and the lost range can only come
// back from disk, so (with auto detection on) it is treated exactly like an
// injected crash.
// ---------------------------------------------------------------------------
func (a *Aggregator) run() {
	defer a.running.Store(false)

	if err := affinity.Pin(a.cpu, "aggregator"); err != nil {
		log.Printf("aggregator: cpu pin failed (non-fatal): %v", err)
	}

	a.cursor.Set(0)

	for !a.stopReq.Load() {
		if a.inRecovery.Load() {
			time.Sleep(time.Millisecond)
			continue
		}

		seq := a.cursor.Seq()
		msg, st := a.rb.ReadEx(seq)

		switch st {
		case mktreplay.StatusOK:
			a.process(msg)
			a.cursor.Advance()

		case mktreplay.StatusOverwritten:
			a.metrics.OverwriteCount.Add(1)
			a.metrics.GapCount.Add(1)
			log.Printf("aggregator: ring overwrite detected at seq=%d", seq)

			if a.autoFault.Load() && !a.inRecovery.Load() {
				a.metrics.AutoFaultCount.Add(1)
				a.onFault(FaultCrash)
			} else if latest := a.rb.LatestSeq(); latest >= 0 {
				// No recovery: resynchronise at the head, data lost.
				a.cursor.Set(latest + 1)
			}

		case mktreplay.StatusNotReady:
			runtime.Gosched()
		}
	}
}

// process folds one message into the running state.
//
// Strictly-increasing check first: a duplicate or out-of-order message is
// skipped (counted as a gap). A forward jump is counted by its deficit but
// still processed - correctness rests on recovery, not on uninterrupted
// delivery.
func (a *Aggregator) process(msg mktreplay.Msg) {
	prev := a.lastSeq.Load()
	if prev != mktreplay.InvalidSeq && msg.Seq <= prev {
		log.Printf("aggregator: monotonicity violation: prev=%d got=%d", prev, msg.Seq)
		a.metrics.GapCount.Add(1)
		return
	}
	if prev != mktreplay.InvalidSeq && msg.Seq != prev+1 {
		gap := msg.Seq - prev - 1
		a.metrics.GapCount.Add(gap)
		log.Printf("aggregator: seq gap: expected=%d got=%d gap=%d", prev+1, msg.Seq, gap)
	}

	kahanAdd(&a.sum, &a.kahanC, msg.Payload)
	a.lastSeq.Store(msg.Seq)
	a.processed.Add(1)
}

func (a *Aggregator) onFault(kind FaultKind) {
	switch kind {
	case FaultCrash:
		log.Printf("aggregator fault: CRASH, starting recovery")
		// Freeze the live loop before wiping state: a live message
		// processed after the reset would poison the monotonicity baseline
		// and make the replay skip everything below it.
		a.inRecovery.Store(true)
		a.state.Store(int32(StateFaulted))
		time.Sleep(2 * time.Millisecond) // let an in-flight iteration drain
		a.sum.Store(0)
		a.kahanC = 0
		a.lastSeq.Store(mktreplay.InvalidSeq)
		a.processed.Store(0)
		if a.faultCb != nil {
			a.faultCb()
		}
		a.startRecovery() // clears in_recovery on every path out

	case FaultMessageLoss:
		log.Printf("aggregator fault: MESSAGE_LOSS, skipping %d messages", messageLossSkip)
		a.cursor.Set(a.cursor.Seq() + messageLossSkip)

	case FaultHang:
		log.Printf("aggregator fault: TEMPORARY_HANG")
		time.Sleep(hangDuration)
	}
}

// ---------------------------------------------------------------------------
// Recovery: replay from disk, then switch to the live ring buffer.
//
// Handoff correctness: let N be the last replayed sequence when the
// catch-up predicate N >= L - T first holds (L the live head, T the
// threshold). The cursor is set to N+1, and because T is far smaller than
// the ring capacity C,
//
//	N + 1 >= L - T + 1 > L - C + 1 = oldest available
//
// so N+1 is still inside the live window and the first live OK read
// delivers exactly N+1. If the workload has outrun the buffer anyway, the
// next read returns OVERWRITTEN and recovery re-triggers - the failed
// attempt processes no live message, so the no-gap/no-overlap guarantee
// still holds.
// ---------------------------------------------------------------------------
func (a *Aggregator) startRecovery() {
	a.inRecovery.Store(true)
	a.state.Store(int32(StateReplaying))
	a.metrics.RecoveryCount.Add(1)

	log.Printf("aggregator recovery started: replaying %s", a.logPath)
	replay, err := logfile.OpenReplay(a.logPath)
	if err != nil {
		// Degraded: resume live; the next read will almost certainly come
		// back OVERWRITTEN, but that is the loop's problem to surface.
		log.Printf("aggregator: cannot open replay file: %v", err)
		a.inRecovery.Store(false)
		a.state.Store(int32(StateNormal))
		return
	}
	defer replay.Close()

	lastReplaySeq := mktreplay.InvalidSeq
	switched := false

	for !a.stopReq.Load() {
		msg, err := replay.ReadNext()
		if err != nil {
			if err != io.EOF {
				log.Printf("aggregator: replay read failed: %v", err)
			}
			break
		}

		a.process(msg)
		lastReplaySeq = msg.Seq

		live := a.rb.LatestSeq()
		if live >= 0 && msg.Seq >= live-a.catchUpThreshold {
			a.state.Store(int32(StateCatchingUp))
			boundary := msg.Seq + 1
			a.switchToLive(boundary)
			switched = true
			log.Printf("aggregator replay-to-live boundary: last_replay_seq=%d first_live_seq=%d live_head=%d",
				msg.Seq, boundary, live)
			break
		}
	}

	// Replay exhausted the disk without crossing the threshold: resume the
	// live stream right after the last replayed position.
	if !switched && lastReplaySeq != mktreplay.InvalidSeq {
		a.cursor.Set(lastReplaySeq + 1)
		log.Printf("aggregator: replay exhausted disk, resuming from seq=%d", lastReplaySeq+1)
	}

	a.inRecovery.Store(false)
	a.state.Store(int32(StateNormal))
	log.Printf("aggregator recovery finished: last_replay_seq=%d violations=%d",
		lastReplaySeq, replay.ViolationCount())
}

// switchToLive positions the cursor at boundary, the first sequence wanted
// from the live stream. Serialised by a private mutex against itself.
func (a *Aggregator) switchToLive(boundary int64) {
	a.switchMu.Lock()
	defer a.switchMu.Unlock()

	latest := a.rb.LatestSeq()
	oldest := latest - int64(a.rb.Capacity()) + 1
	if oldest < 0 {
		oldest = 0
	}
	if boundary < oldest {
		log.Printf("aggregator: switchToLive boundary=%d already overwritten (oldest=%d), recovery will re-trigger",
			boundary, oldest)
	}
	a.cursor.Set(boundary)
	log.Printf("aggregator switched to live: boundary=%d window=[%d, %d]", boundary, oldest, latest)
}
