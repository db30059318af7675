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

// Command mktreplay-client is the multi-process live aggregator: it
// attaches to the shared-memory ring (retrying while the server comes up),
// accumulates a Kahan-compensated payload sum and exits once the server has
// stopped and the stream is drained.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"mktreplay"

	"mktreplay/internal/affinity"
	"mktreplay/internal/shm"
)

const (
	attachRetries = 30
	attachDelay   = time.Second
)

func main() {
	cpu := flag.Int("cpu", affinity.Unset, "core to pin the consumer to")
	flag.Parse()

	log.Printf("client: attaching to %s (up to %d attempts)", shm.DefaultName, attachRetries)
	ring, err := shm.Attach(shm.DefaultName, attachRetries, attachDelay)
	if err != nil {
		log.Printf("client: %v (is the server running?)", err)
		os.Exit(1)
	}
	defer ring.Close()

	var stopReq atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("client: received %v, stopping", s)
		stopReq.Store(true)
	}()

	if err := affinity.Pin(*cpu, "client"); err != nil {
		log.Printf("client: cpu pin failed (non-fatal): %v", err)
	}

	var (
		readSeq    int64
		processed  int64
		overwrites int64
		sum        float64
		kahanC     float64
	)
	start := time.Now()

	for !stopReq.Load() {
		msg, st := ring.ReadEx(readSeq)
		switch st {
		case mktreplay.StatusOK:
			y := msg.Payload - kahanC
			t := sum + y
			kahanC = (t - sum) - y
			sum = t
			processed++
			readSeq++

			if processed%10000 == 0 {
				log.Printf("client: processed=%d sum=%.6f", processed, sum)
			}

		case mktreplay.StatusOverwritten:
			// Lapped: resynchronise at the head. With no disk log attached
			// the lost range is gone for this client.
			overwrites++
			latest := ring.LatestSeq()
			log.Printf("client: lapped at seq=%d, jumping to %d", readSeq, latest+1)
			if latest >= 0 {
				readSeq = latest + 1
			} else {
				readSeq++
			}

		case mktreplay.StatusNotReady:
			if !ring.ServerRunning() && readSeq > ring.LatestSeq() {
				stopReq.Store(true)
				break
			}
			runtime.Gosched()
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("\n=== Client Results ===\n")
	fmt.Printf("Processed:  %d\n", processed)
	fmt.Printf("Sum:        %.6f\n", sum)
	fmt.Printf("Last seq:   %d\n", readSeq-1)
	fmt.Printf("Overwrites: %d\n", overwrites)
	fmt.Printf("Elapsed:    %s\n", elapsed.Round(time.Millisecond))
	if processed > 0 && elapsed > 0 {
		fmt.Printf("Rate:       %.0f msg/s\n", float64(processed)/elapsed.Seconds())
	}
	log.Printf("client complete: processed=%d sum=%f last_seq=%d", processed, sum, readSeq-1)
}
