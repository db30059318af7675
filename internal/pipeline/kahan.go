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

// Package pipeline contains the three workers of the replay pipeline: the
// producer feeding the ring buffer, the recorder persisting it to disk and
// the aggregator with its fault-and-recovery state machine.
package pipeline

import (
	"math"
	"sync/atomic"
)

// atomicFloat64 is a float64 readable from other goroutines while a single
// owner updates it. Only the owner writes; readers get a torn-free snapshot.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat64) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// kahanAdd folds x into the atomic sum with Kahan compensation. The
// compensation term c is owned by the accumulating goroutine and stays
// non-atomic; only the running sum is published.
func kahanAdd(sum *atomicFloat64, c *float64, x float64) {
	y := x - *c
	cur := sum.Load()
	t := cur + y
	*c = (t - cur) - y
	sum.Store(t)
}
