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
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mktreplay"

	"mktreplay/internal/affinity"
)

// PayloadGenerator produces one message payload per call. It runs on the
// producer's goroutine only.
type PayloadGenerator func() float64

// ProducerOptions configures a Producer. The zero value of a field selects
// its default.
type ProducerOptions struct {
	// MessageCount is the total number of messages to push. Default 10000.
	MessageCount int64
	// Rate is the target push rate per second. 0 selects the default
	// (1000); negative disables pacing entirely.
	Rate int64
	// Generator overrides the default uniform [0, 100) payload source.
	Generator PayloadGenerator
}

// Producer turns a payload stream into timestamped messages and pushes them
// into the ring buffer at a target rate. It owns one goroutine, terminates
// normally after MessageCount pushes and stops early on request.
type Producer struct {
	rb    *mktreplay.RingBuffer
	count int64
	rate  int64
	gen   PayloadGenerator
	cpu   int

	sent    atomic.Int64
	running atomic.Bool
	stopReq atomic.Bool
	wg      sync.WaitGroup
}

// NewProducer creates a producer over rb.
func NewProducer(rb *mktreplay.RingBuffer, opts ProducerOptions) *Producer {
	p := &Producer{
		rb:    rb,
		count: opts.MessageCount,
		rate:  opts.Rate,
		gen:   opts.Generator,
		cpu:   affinity.Unset,
	}
	if p.count == 0 {
		p.count = 10000
	}
	if p.rate == 0 {
		p.rate = 1000
	}
	if p.gen == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		p.gen = func() float64 { return rng.Float64() * 100 }
	}
	return p
}

// SetCPU pins the producer goroutine's OS thread to core (affinity.Unset
// to leave it unpinned). Call before Start.
func (p *Producer) SetCPU(core int) { p.cpu = core }

// Start launches the producer goroutine. A second Start on a running
// producer is ignored.
func (p *Producer) Start() {
	if !p.running.CompareAndSwap(false, true) {
		log.Printf("producer already running, ignoring start")
		return
	}
	p.stopReq.Store(false)
	p.sent.Store(0)
	log.Printf("producer start: messages=%d rate=%d/s", p.count, p.rate)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run()
	}()
}

// Stop requests a cooperative stop and waits for the goroutine to exit.
func (p *Producer) Stop() {
	p.stopReq.Store(true)
	p.wg.Wait()
	log.Printf("producer stopped: sent=%d", p.SentCount())
}

// WaitForComplete blocks until the producer has pushed all messages (or was
// stopped).
func (p *Producer) WaitForComplete() { p.wg.Wait() }

// Running reports whether the producer goroutine is active.
func (p *Producer) Running() bool { return p.running.Load() }

// SentCount returns the number of messages pushed so far.
func (p *Producer) SentCount() int64 { return p.sent.Load() }

// LatestSeq returns the ring buffer's latest published sequence.
func (p *Producer) LatestSeq() int64 { return p.rb.LatestSeq() }

func (p *Producer) run() {
	defer p.running.Store(false)

	if err := affinity.Pin(p.cpu, "producer"); err != nil {
		log.Printf("producer: cpu pin failed (non-fatal): %v", err)
	}

	var interval time.Duration
	if p.rate > 0 {
		interval = time.Duration(int64(time.Second) / p.rate)
	}
	start := time.Now()

	for i := int64(0); i < p.count && !p.stopReq.Load(); i++ {
		p.rb.Push(mktreplay.Msg{
			Seq:         mktreplay.InvalidSeq, // assigned by the ring buffer
			TimestampNs: mktreplay.NowNs(),
			Payload:     p.gen(),
		})
		p.sent.Add(1)

		if interval > 0 {
			deadline := start.Add(interval * time.Duration(i+1))
			if d := time.Until(deadline); d > 0 {
				time.Sleep(d)
			}
		}
	}
	log.Printf("producer completed: sent=%d latest_seq=%d", p.SentCount(), p.rb.LatestSeq())
}
