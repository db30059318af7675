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

//go:build linux

// Command mktreplay-server produces market data into the shared-memory
// ring for the multi-process mode. It creates the shared object, announces
// the total message count, pushes at the target rate, then flips the
// server_running flag so consumers drain and exit cleanly.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"mktreplay"

	"mktreplay/internal/affinity"
	"mktreplay/internal/shm"
)

func main() {
	var (
		messages = flag.Int64("messages", 100000, "message count")
		rate     = flag.Int64("rate", 10000, "messages per second (0 = unpaced)")
		cpu      = flag.Int("cpu", affinity.Unset, "core to pin the producer to")
	)
	flag.Parse()

	ring, err := shm.Create(shm.DefaultName, shm.DefaultSlots)
	if err != nil {
		log.Printf("server: %v", err)
		os.Exit(1)
	}
	defer ring.Close()

	var stopReq atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("server: received %v, stopping", s)
		stopReq.Store(true)
	}()

	if err := affinity.Pin(*cpu, "server"); err != nil {
		log.Printf("server: cpu pin failed (non-fatal): %v", err)
	}

	ring.SetTotalMessages(*messages)
	log.Printf("server start: messages=%d rate=%d slots=%d shm=%s",
		*messages, *rate, ring.Slots(), shm.DefaultName)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var interval time.Duration
	if *rate > 0 {
		interval = time.Duration(int64(time.Second) / *rate)
	}
	start := time.Now()

	var sent int64
	for i := int64(0); i < *messages && !stopReq.Load(); i++ {
		ring.Push(mktreplay.Msg{
			Seq:         mktreplay.InvalidSeq,
			TimestampNs: mktreplay.NowNs(),
			Payload:     rng.Float64() * 100,
		})
		sent++

		if interval > 0 {
			deadline := start.Add(interval * time.Duration(i+1))
			if d := time.Until(deadline); d > 0 {
				time.Sleep(d)
			}
		}
	}

	// Give stragglers a moment at the head, then signal shutdown.
	time.Sleep(500 * time.Millisecond)
	ring.SetServerRunning(false)
	time.Sleep(time.Second)

	elapsed := time.Since(start)
	fmt.Printf("\n=== Server Results ===\n")
	fmt.Printf("Sent:     %d\n", sent)
	fmt.Printf("Elapsed:  %s\n", elapsed.Round(time.Millisecond))
	if sent > 0 && elapsed > 0 {
		fmt.Printf("Rate:     %.0f msg/s\n", float64(sent)/elapsed.Seconds())
	}
	log.Printf("server complete: sent=%d latest_seq=%d", sent, ring.LatestSeq())
}
