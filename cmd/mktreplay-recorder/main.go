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

// Command mktreplay-recorder is the multi-process durable consumer: it
// drains the shared-memory ring into a market-data log file in batches and
// closes the file (setting the COMPLETE flag) when the server stops.
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
	"mktreplay/internal/logfile"
	"mktreplay/internal/shm"
)

const (
	attachRetries = 30
	attachDelay   = time.Second
)

func main() {
	var (
		output = flag.String("output", "mktdata_ipc.bin", "output log file")
		cpu    = flag.Int("cpu", affinity.Unset, "core to pin the recorder to")
	)
	flag.Parse()

	log.Printf("recorder: attaching to %s (up to %d attempts)", shm.DefaultName, attachRetries)
	ring, err := shm.Attach(shm.DefaultName, attachRetries, attachDelay)
	if err != nil {
		log.Printf("recorder: %v (is the server running?)", err)
		os.Exit(1)
	}
	defer ring.Close()

	w, err := logfile.Create(*output)
	if err != nil {
		log.Printf("recorder: cannot create output file: %v", err)
		os.Exit(1)
	}

	var stopReq atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("recorder: received %v, stopping", s)
		stopReq.Store(true)
	}()

	if err := affinity.Pin(*cpu, "recorder"); err != nil {
		log.Printf("recorder: cpu pin failed (non-fatal): %v", err)
	}

	var (
		readSeq     int64
		recorded    int64
		overwrites  int64
		expectedSum float64
		kahanC      float64
	)
	batch := make([]mktreplay.Msg, 0, mktreplay.DefaultBatchSize)
	flushBatch := func() {
		for _, m := range batch {
			if err := w.Write(m); err != nil {
				log.Printf("recorder: write failed: %v", err)
				break
			}
		}
		batch = batch[:0]
		if err := w.Flush(); err != nil {
			log.Printf("recorder: flush failed: %v", err)
		}
	}
	start := time.Now()

	for !stopReq.Load() {
		msg, st := ring.ReadEx(readSeq)
		switch st {
		case mktreplay.StatusOK:
			batch = append(batch, msg)
			y := msg.Payload - kahanC
			t := expectedSum + y
			kahanC = (t - expectedSum) - y
			expectedSum = t
			recorded++
			readSeq++

			if len(batch) >= mktreplay.DefaultBatchSize {
				flushBatch()
			}
			if recorded%10000 == 0 {
				log.Printf("recorder: recorded=%d", recorded)
			}

		case mktreplay.StatusOverwritten:
			overwrites++
			log.Printf("CRITICAL: recorder lapped by server at seq=%d, data loss is permanent", readSeq)
			flushBatch()
			latest := ring.LatestSeq()
			newPos := latest - int64(ring.Slots())/2
			if s := readSeq + 1; s > newPos {
				newPos = s
			}
			readSeq = newPos

		case mktreplay.StatusNotReady:
			if len(batch) > 0 {
				flushBatch()
			}
			if !ring.ServerRunning() && readSeq > ring.LatestSeq() {
				stopReq.Store(true)
				break
			}
			runtime.Gosched()
		}
	}

	flushBatch()
	if err := w.Close(); err != nil {
		log.Printf("recorder: close failed: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("\n=== Recorder Results ===\n")
	fmt.Printf("Recorded:   %d\n", recorded)
	fmt.Printf("Sum:        %.6f\n", expectedSum)
	fmt.Printf("Overwrites: %d\n", overwrites)
	fmt.Printf("Output:     %s\n", *output)
	fmt.Printf("Elapsed:    %s\n", elapsed.Round(time.Millisecond))
	if recorded > 0 && elapsed > 0 {
		fmt.Printf("Rate:       %.0f msg/s\n", float64(recorded)/elapsed.Seconds())
	}
	log.Printf("recorder complete: recorded=%d expected_sum=%f", recorded, expectedSum)
}
