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

// Command mktreplay is the single-process driver: producer, aggregator and
// recorder share one in-process ring buffer. Modes:
//
//	test           push N messages, verify aggregator vs recorder sums
//	recovery_test  inject a crash mid-run, verify sums after recovery
//	stress         test with whatever aggressive parameters you pass
//
// Exit code 0 on PASS, 1 on verification failure or bad configuration.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"mktreplay"

	"mktreplay/internal/affinity"
	"mktreplay/internal/config"
	"mktreplay/internal/pipeline"
	"mktreplay/internal/telemetry"
)

// sumTolerance is the verification threshold on |aggregator − recorder|.
const sumTolerance = 1e-6

func main() {
	var (
		configPath  = flag.String("config", "", "optional YAML config file; flags override it")
		mode        = flag.String("mode", "test", "run mode: test, recovery_test, stress")
		messages    = flag.Int64("messages", 10000, "message count")
		rate        = flag.Int64("rate", 1000, "messages per second (0 = unpaced)")
		faultAt     = flag.Int64("fault-at", -1, "sequence to inject the crash at (recovery_test; default messages/2)")
		dataDir     = flag.String("data-dir", "data", "directory for the date-stamped output file")
		output      = flag.String("output", "", "output file path (overrides -data-dir)")
		cpuList     = flag.String("cpu", "", "cores to pin, order: main,producer,aggregator,recorder")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Printf("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	// Flags the user actually set win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "messages":
			cfg.Messages = *messages
		case "rate":
			cfg.Rate = *rate
		case "fault-at":
			cfg.FaultAt = *faultAt
		case "data-dir":
			cfg.DataDir = *dataDir
		case "output":
			cfg.Output = *output
		case "cpu":
			cfg.CPU = *cpuList
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	slots, err := config.ParseCPUList(cfg.CPU)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	outPath := cfg.OutputPath(time.Now())
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("cannot create data dir %s: %v", dir, err)
			os.Exit(1)
		}
	}

	if err := affinity.Pin(slots.Main, "main"); err != nil {
		log.Printf("main: cpu pin failed (non-fatal): %v", err)
	}

	log.Printf("mktreplay start: mode=%s messages=%d rate=%d fault_at=%d output=%s",
		cfg.Mode, cfg.Messages, cfg.Rate, cfg.FaultAt, outPath)

	switch cfg.Mode {
	case "test", "stress":
		os.Exit(runTest(cfg, slots, outPath))
	case "recovery_test":
		if cfg.FaultAt < 0 {
			cfg.FaultAt = cfg.Messages / 2
		}
		os.Exit(runRecoveryTest(cfg, slots, outPath))
	default:
		log.Printf("unknown mode: %s", cfg.Mode)
		flag.Usage()
		os.Exit(1)
	}
}

// buildPipeline wires the three workers over a fresh default-capacity ring.
func buildPipeline(cfg config.Config, slots config.CPUSlots, outPath string) (*mktreplay.RingBuffer, *pipeline.Producer, *pipeline.Aggregator, *pipeline.Recorder) {
	rb, err := mktreplay.NewRingBuffer(mktreplay.DefaultCapacity)
	if err != nil {
		log.Printf("ring buffer: %v", err)
		os.Exit(1)
	}

	// ProducerOptions reads a zero rate as "use the default"; for the
	// driver a zero rate means unpaced.
	rate := cfg.Rate
	if rate == 0 {
		rate = -1
	}
	prod := pipeline.NewProducer(rb, pipeline.ProducerOptions{
		MessageCount: cfg.Messages,
		Rate:         rate,
	})
	prod.SetCPU(slots.Producer)

	agg := pipeline.NewAggregator(rb, outPath)
	agg.SetCPU(slots.Aggregator)

	rec := pipeline.NewRecorder(rb, outPath)
	rec.SetCPU(slots.Recorder)

	return rb, prod, agg, rec
}

func serveMetrics(cfg config.Config, rb *mktreplay.RingBuffer, prod *pipeline.Producer, agg *pipeline.Aggregator, rec *pipeline.Recorder) {
	if cfg.MetricsAddr == "" {
		return
	}
	telemetry.Serve(cfg.MetricsAddr, telemetry.NewPipelineCollector(rb, prod, agg, rec))
}

// verify prints the final sums and the PASS/FAIL verdict. Returns the exit
// code.
func verify(prod *pipeline.Producer, agg *pipeline.Aggregator, rec *pipeline.Recorder, elapsed time.Duration) int {
	diff := math.Abs(agg.Sum() - rec.ExpectedSum())
	passed := diff < sumTolerance

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Sent:               %d\n", prod.SentCount())
	fmt.Printf("Processed:          %d\n", agg.ProcessedCount())
	fmt.Printf("Recorded:           %d\n", rec.RecordedCount())
	fmt.Printf("Aggregator sum:     %.6f\n", agg.Sum())
	fmt.Printf("Recorder sum:       %.6f\n", rec.ExpectedSum())
	fmt.Printf("Gaps (agg/rec):     %d/%d\n", agg.Metrics().GapCount.Load(), rec.Metrics().GapCount.Load())
	fmt.Printf("Recoveries:         %d\n", agg.Metrics().RecoveryCount.Load())
	fmt.Printf("Elapsed:            %s\n", elapsed.Round(time.Millisecond))
	if passed {
		fmt.Printf("\nVerification: PASSED\n")
		return 0
	}
	fmt.Printf("\nVerification: FAILED (|diff| = %g)\n", diff)
	return 1
}

func runTest(cfg config.Config, slots config.CPUSlots, outPath string) int {
	rb, prod, agg, rec := buildPipeline(cfg, slots, outPath)
	serveMetrics(cfg, rb, prod, agg, rec)

	start := time.Now()
	if err := rec.Start(); err != nil {
		return 1
	}
	agg.Start()
	prod.Start()

	prod.WaitForComplete()
	// Let the consumers drain the tail of the stream.
	time.Sleep(500 * time.Millisecond)

	agg.Stop()
	rec.Stop()

	return verify(prod, agg, rec, time.Since(start))
}

func runRecoveryTest(cfg config.Config, slots config.CPUSlots, outPath string) int {
	rb, prod, agg, rec := buildPipeline(cfg, slots, outPath)
	serveMetrics(cfg, rb, prod, agg, rec)

	start := time.Now()
	if err := rec.Start(); err != nil {
		return 1
	}
	agg.Start()
	prod.Start()

	// Walk the aggregator up to the fault point, then pull the rug.
	for agg.LastSeq() < cfg.FaultAt && prod.Running() {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Println("Triggering fault...")
	agg.TriggerFault(pipeline.FaultCrash)

	agg.WaitForRecovery()
	fmt.Println("Recovery complete")

	prod.WaitForComplete()
	time.Sleep(500 * time.Millisecond)

	agg.Stop()
	rec.Stop()

	return verify(prod, agg, rec, time.Since(start))
}
