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

// Package mktreplay provides the lock-free single-producer multi-consumer
// ring buffer at the heart of the market-data replay pipeline, together with
// the fixed-width message record shared by every component.
package mktreplay

import "time"

// InvalidSeq marks "no message". Sequence numbers assigned by the ring
// buffer are contiguous and strictly increasing from 0.
const InvalidSeq int64 = -1

const (
	// CacheLineSize is the target cache line width. Ring slots and the hot
	// producer fields are padded to this size to avoid false sharing.
	CacheLineSize = 64

	// MsgSize is the wire size of a Msg: three 8-byte fields, no padding.
	MsgSize = 24

	// DefaultCapacity is the single-process ring buffer capacity.
	DefaultCapacity = 1 << 20

	// DefaultCatchUpThreshold is the maximum lag (in sequences) between the
	// replay position and the ring buffer head at which a recovering
	// consumer switches from disk replay to the live stream.
	DefaultCatchUpThreshold = 100

	// DefaultBatchSize is the recorder's disk write batch size.
	DefaultBatchSize = 1024
)

// Msg is the fixed 24-byte market-data record. Messages are value types;
// there is no per-message allocation anywhere on the hot path.
type Msg struct {
	Seq         int64   // sequence assigned by the ring buffer; InvalidSeq before push
	TimestampNs int64   // wall-clock nanosecond timestamp
	Payload     float64 // data payload
}

// Valid reports whether the message carries an assigned sequence number.
func (m Msg) Valid() bool { return m.Seq != InvalidSeq }

// Reset clears the message back to its zero, unassigned state.
func (m *Msg) Reset() {
	m.Seq = InvalidSeq
	m.TimestampNs = 0
	m.Payload = 0
}

// NowNs returns the current wall-clock time in nanoseconds since the epoch.
func NowNs() int64 { return time.Now().UnixNano() }
