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

package logfile

import (
	"log"

	"mktreplay"
)

// CatchUpCallback observes a replay position crossing the catch-up
// threshold relative to the live head.
type CatchUpCallback func(replaySeq, liveSeq int64)

// ReplayReader wraps a Reader with a monotonicity check: every record
// returned must carry a sequence strictly greater than the previous one.
// Violations are counted and logged but the record is still returned - the
// consumer owns the policy, the reader only reports.
type ReplayReader struct {
	r         *Reader
	threshold int64
	catchUp   CatchUpCallback

	lastSeq    int64
	violations int64
}

// OpenReplay opens the log at path for validated sequential replay. A file
// that was not cleanly closed is still opened - its msg_count is a trusted
// lower bound - with a warning.
func OpenReplay(path string) (*ReplayReader, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	if !r.CleanlyClosed() {
		log.Printf("logfile: replay file %s was not cleanly closed, data may be truncated", path)
	}
	return &ReplayReader{
		r:         r,
		threshold: mktreplay.DefaultCatchUpThreshold,
		lastSeq:   mktreplay.InvalidSeq,
	}, nil
}

// ReadNext returns the next record, validating sequence continuity.
func (rr *ReplayReader) ReadNext() (mktreplay.Msg, error) {
	m, err := rr.r.ReadNext()
	if err != nil {
		return mktreplay.Msg{}, err
	}
	if rr.lastSeq != mktreplay.InvalidSeq && m.Seq <= rr.lastSeq {
		rr.violations++
		log.Printf("logfile: replay sequence violation in %s: prev=%d got=%d", rr.r.Path(), rr.lastSeq, m.Seq)
	}
	rr.lastSeq = m.Seq
	return m, nil
}

// ReadBatch reads up to n records, stopping early at end of log.
func (rr *ReplayReader) ReadBatch(n int) ([]mktreplay.Msg, error) {
	batch := make([]mktreplay.Msg, 0, n)
	for len(batch) < n {
		m, err := rr.ReadNext()
		if err != nil {
			return batch, nil
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// Peek returns the next record without consuming it or updating the
// validation baseline.
func (rr *ReplayReader) Peek() (mktreplay.Msg, error) { return rr.r.Peek() }

// Seek repositions the underlying reader and resets the validation
// baseline - continuity cannot be verified across a seek boundary.
func (rr *ReplayReader) Seek(seq int64) error {
	if err := rr.r.Seek(seq); err != nil {
		return err
	}
	rr.lastSeq = mktreplay.InvalidSeq
	return nil
}

// Reset rewinds to the first record and clears the validation baseline.
func (rr *ReplayReader) Reset() {
	rr.r.idx = 0
	rr.lastSeq = mktreplay.InvalidSeq
}

// ShouldSwitchToLive reports whether the current replay position is within
// the catch-up threshold of the live head. Fires the catch-up callback on a
// positive answer.
func (rr *ReplayReader) ShouldSwitchToLive(liveSeq int64) bool {
	cur := rr.r.CurrentIndex()
	if cur < 0 {
		return false
	}
	should := liveSeq-cur <= rr.threshold
	if should && rr.catchUp != nil {
		rr.catchUp(cur, liveSeq)
	}
	return should
}

// SetCatchUpThreshold overrides the default catch-up threshold.
func (rr *ReplayReader) SetCatchUpThreshold(t int64) { rr.threshold = t }

// SetCatchUpCallback registers an observer for catch-up detection.
func (rr *ReplayReader) SetCatchUpCallback(cb CatchUpCallback) { rr.catchUp = cb }

// ViolationCount returns the number of sequence-order violations seen.
func (rr *ReplayReader) ViolationCount() int64 { return rr.violations }

// MsgCount returns the record count from the header.
func (rr *ReplayReader) MsgCount() int64 { return rr.r.MsgCount() }

// FirstSeq returns the file's first recorded sequence, or InvalidSeq.
func (rr *ReplayReader) FirstSeq() int64 { return rr.r.FirstSeq() }

// LastSeq returns the file's last recorded sequence, or InvalidSeq.
func (rr *ReplayReader) LastSeq() int64 { return rr.r.LastSeq() }

// CleanlyClosed reports whether the writer set FlagComplete.
func (rr *ReplayReader) CleanlyClosed() bool { return rr.r.CleanlyClosed() }

// Path returns the file path.
func (rr *ReplayReader) Path() string { return rr.r.Path() }

// Close releases the underlying reader.
func (rr *ReplayReader) Close() error { return rr.r.Close() }
