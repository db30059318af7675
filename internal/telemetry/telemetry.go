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

// Package telemetry exposes the pipeline's counters as Prometheus metrics.
// It is opt-in and read-only: the collector samples the workers' own atomic
// counters at scrape time, so the hot paths carry no extra instrumentation.
package telemetry

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mktreplay"

	"mktreplay/internal/pipeline"
)

// PipelineCollector samples a running pipeline. Any component reference may
// be nil; its metrics are simply omitted.
type PipelineCollector struct {
	rb   *mktreplay.RingBuffer
	prod *pipeline.Producer
	agg  *pipeline.Aggregator
	rec  *pipeline.Recorder

	produced       *prometheus.Desc
	ringOverwrites *prometheus.Desc
	ringLatestSeq  *prometheus.Desc

	aggProcessed  *prometheus.Desc
	aggSum        *prometheus.Desc
	aggGaps       *prometheus.Desc
	aggOverwrites *prometheus.Desc
	aggRecoveries *prometheus.Desc
	aggAutoFaults *prometheus.Desc

	recRecorded    *prometheus.Desc
	recExpectedSum *prometheus.Desc
	recGaps        *prometheus.Desc
	recOverwrites  *prometheus.Desc
}

// NewPipelineCollector builds a collector over the given components.
func NewPipelineCollector(rb *mktreplay.RingBuffer, prod *pipeline.Producer, agg *pipeline.Aggregator, rec *pipeline.Recorder) *PipelineCollector {
	return &PipelineCollector{
		rb:   rb,
		prod: prod,
		agg:  agg,
		rec:  rec,

		produced: prometheus.NewDesc("mktreplay_produced_total",
			"Messages pushed by the producer", nil, nil),
		ringOverwrites: prometheus.NewDesc("mktreplay_ring_overwrites_total",
			"Ring buffer slot overwrites since creation", nil, nil),
		ringLatestSeq: prometheus.NewDesc("mktreplay_ring_latest_seq",
			"Latest published sequence number", nil, nil),

		aggProcessed: prometheus.NewDesc("mktreplay_aggregator_processed_total",
			"Messages processed by the aggregator", nil, nil),
		aggSum: prometheus.NewDesc("mktreplay_aggregator_sum",
			"Aggregator running payload sum", nil, nil),
		aggGaps: prometheus.NewDesc("mktreplay_aggregator_gaps_total",
			"Sequence gaps detected by the aggregator", nil, nil),
		aggOverwrites: prometheus.NewDesc("mktreplay_aggregator_overwrites_total",
			"Ring buffer laps detected by the aggregator", nil, nil),
		aggRecoveries: prometheus.NewDesc("mktreplay_aggregator_recoveries_total",
			"Recovery cycles run by the aggregator", nil, nil),
		aggAutoFaults: prometheus.NewDesc("mktreplay_aggregator_auto_faults_total",
			"Automatically detected aggregator faults", nil, nil),

		recRecorded: prometheus.NewDesc("mktreplay_recorder_recorded_total",
			"Messages persisted by the recorder", nil, nil),
		recExpectedSum: prometheus.NewDesc("mktreplay_recorder_expected_sum",
			"Recorder running payload sum", nil, nil),
		recGaps: prometheus.NewDesc("mktreplay_recorder_gaps_total",
			"Sequence gaps detected by the recorder", nil, nil),
		recOverwrites: prometheus.NewDesc("mktreplay_recorder_overwrites_total",
			"Ring buffer laps detected by the recorder", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *PipelineCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rb != nil {
		ch <- prometheus.MustNewConstMetric(c.ringOverwrites, prometheus.CounterValue, float64(c.rb.OverwriteCount()))
		ch <- prometheus.MustNewConstMetric(c.ringLatestSeq, prometheus.GaugeValue, float64(c.rb.LatestSeq()))
	}
	if c.prod != nil {
		ch <- prometheus.MustNewConstMetric(c.produced, prometheus.CounterValue, float64(c.prod.SentCount()))
	}
	if c.agg != nil {
		m := c.agg.Metrics()
		ch <- prometheus.MustNewConstMetric(c.aggProcessed, prometheus.CounterValue, float64(c.agg.ProcessedCount()))
		ch <- prometheus.MustNewConstMetric(c.aggSum, prometheus.GaugeValue, c.agg.Sum())
		ch <- prometheus.MustNewConstMetric(c.aggGaps, prometheus.CounterValue, float64(m.GapCount.Load()))
		ch <- prometheus.MustNewConstMetric(c.aggOverwrites, prometheus.CounterValue, float64(m.OverwriteCount.Load()))
		ch <- prometheus.MustNewConstMetric(c.aggRecoveries, prometheus.CounterValue, float64(m.RecoveryCount.Load()))
		ch <- prometheus.MustNewConstMetric(c.aggAutoFaults, prometheus.CounterValue, float64(m.AutoFaultCount.Load()))
	}
	if c.rec != nil {
		m := c.rec.Metrics()
		ch <- prometheus.MustNewConstMetric(c.recRecorded, prometheus.CounterValue, float64(c.rec.RecordedCount()))
		ch <- prometheus.MustNewConstMetric(c.recExpectedSum, prometheus.GaugeValue, c.rec.ExpectedSum())
		ch <- prometheus.MustNewConstMetric(c.recGaps, prometheus.CounterValue, float64(m.GapCount.Load()))
		ch <- prometheus.MustNewConstMetric(c.recOverwrites, prometheus.CounterValue, float64(m.OverwriteCount.Load()))
	}
}

// Serve registers the collector on a fresh registry and serves /metrics on
// addr in the background. Returns the server so callers can shut it down.
func Serve(addr string, collector prometheus.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("telemetry: metrics server on %s: %v", addr, err)
		}
	}()
	log.Printf("telemetry: serving /metrics on %s", addr)
	return srv
}
