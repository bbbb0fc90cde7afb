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

// Package metrics turns per-request outcomes into interval and lifetime
// summaries (spec §4.4). Per-worker state is never shared across workers:
// each Recorder is owned by exactly one worker, and cross-worker
// aggregation happens only at rotation boundaries via Merge (spec §5
// "Shared state and discipline").
package metrics

import (
	"strings"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
)

// Counters are the five monotonic-per-interval classifiers spec §3
// IntervalCounters tracks.
type Counters struct {
	Requests     int64
	Errors       int64
	Moved        int64
	ClusterDown  int64
	Disconnects  int64
}

// Add accumulates other into c, used when merging per-worker interval
// counters in multi-process mode.
func (c *Counters) Add(other Counters) {
	c.Requests += other.Requests
	c.Errors += other.Errors
	c.Moved += other.Moved
	c.ClusterDown += other.ClusterDown
	c.Disconnects += other.Disconnects
}

// Overall are the lifetime, monotonically rising counters spec §3
// OverallCounters tracks.
type Overall struct {
	TotalRequests int64
	TotalErrors   int64
}

// ErrorKind classifies a failed request by case-insensitive substring match
// against the client library's error text (spec §4.4).
type ErrorKind int

const (
	ErrGeneric ErrorKind = iota
	ErrMoved
	ErrClusterDown
	ErrDisconnect
)

// Classify implements the classification rule from spec §4.4: "presence of
// MOVED -> moved; presence of CLUSTERDOWN -> clusterdown; otherwise a
// generic error. All errors also increment errors." Disconnects are
// classified separately by the caller (connection-layer failures, not
// request-layer ones) since they are not drawn from the client's per-call
// error text.
func Classify(errText string) ErrorKind {
	upper := strings.ToUpper(errText)
	switch {
	case strings.Contains(upper, "MOVED"):
		return ErrMoved
	case strings.Contains(upper, "CLUSTERDOWN"):
		return ErrClusterDown
	default:
		return ErrGeneric
	}
}

// Recorder holds one worker's three histograms (overall/window/interval)
// and its interval/overall counters (spec §4.4/§3 WorkerStats).
type Recorder struct {
	WorkerID int

	overall  *histogram.Histogram
	window   *histogram.Histogram
	interval *histogram.Histogram

	intervalCounters Counters
	overallCounters  Overall
}

// New returns a Recorder for one worker with empty histograms and counters.
func New(workerID int) *Recorder {
	return &Recorder{
		WorkerID: workerID,
		overall:  histogram.New(),
		window:   histogram.New(),
		interval: histogram.New(),
	}
}

// RecordOK inserts latencyUs into all three histograms and bumps requests
// and overall counters (spec §4.4 record_ok, invariants I1/I2).
func (r *Recorder) RecordOK(latencyUs int64) {
	r.overall.RecordValue(latencyUs)
	r.window.RecordValue(latencyUs)
	r.interval.RecordValue(latencyUs)
	r.intervalCounters.Requests++
	r.overallCounters.TotalRequests++
}

// RecordErr inserts latencyUs (if hasLatency) into all three histograms and
// bumps the classifier counter plus errors (spec §4.4 record_err). A
// disconnect is recorded via kind=ErrDisconnect and never carries a latency
// sample, since the call never reached the server.
func (r *Recorder) RecordErr(kind ErrorKind, latencyUs int64, hasLatency bool) {
	if hasLatency {
		r.overall.RecordValue(latencyUs)
		r.window.RecordValue(latencyUs)
		r.interval.RecordValue(latencyUs)
	}
	switch kind {
	case ErrMoved:
		r.intervalCounters.Moved++
	case ErrClusterDown:
		r.intervalCounters.ClusterDown++
	case ErrDisconnect:
		r.intervalCounters.Disconnects++
	}
	r.intervalCounters.Errors++
	r.overallCounters.TotalErrors++
}

// RotateWindow resets the window histogram (used for the human progress
// line) and returns the pre-reset snapshot.
func (r *Recorder) RotateWindow() *histogram.Histogram {
	snap := r.window.Snapshot()
	r.window.Reset()
	return snap
}

// IntervalSnapshot captures an interval's histogram and counters together,
// since CSV rows and csv_interval messages need both (spec §4.6).
type IntervalSnapshot struct {
	Histogram *histogram.Histogram
	Counters  Counters
}

// RotateInterval resets the interval histogram and counters (used for CSV
// emission) and returns the pre-reset snapshot.
func (r *Recorder) RotateInterval() IntervalSnapshot {
	snap := IntervalSnapshot{
		Histogram: r.interval.Snapshot(),
		Counters:  r.intervalCounters,
	}
	r.interval.Reset()
	r.intervalCounters = Counters{}
	return snap
}

// Overall returns the lifetime counters accumulated so far.
func (r *Recorder) Overall() Overall { return r.overallCounters }

// OverallHistogram returns the live overall histogram. Callers that need a
// stable view (e.g. the final report) should call Snapshot() on it.
func (r *Recorder) OverallHistogram() *histogram.Histogram { return r.overall }

// PendingIntervalCounters exposes the not-yet-rotated interval counters,
// used by the orchestrator to decide whether a partial interval has any
// data worth flushing on shutdown (spec §4.6 "a final row is emitted on
// termination if the last interval carries any data").
func (r *Recorder) PendingIntervalCounters() Counters { return r.intervalCounters }
