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

// Package report formats the core's two output surfaces (spec §4.6): a
// strict 16-field CSV row emitted once per interval in CSV mode, and the
// human-readable progress/summary text emitted otherwise. In CSV mode all
// logging goes to stderr and stdout carries only CSV rows; this package
// never decides which writer to use, it only formats, so callers wire it to
// the right io.Writer.
package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
)

// CSVHeader is the fixed 16-field column order spec §4.6 mandates, in spec
// order, so the stream stays compatible with an existing parser.
var CSVHeader = []string{
	"timestamp", "request_sec", "p50_usec", "p90_usec", "p95_usec", "p99_usec", "p99_9_usec",
	"p99_99_usec", "p99_999_usec", "p100_usec", "avg_usec", "request_finished",
	"requests_total_failed", "requests_moved", "requests_clusterdown", "client_disconnects",
}

// Row is one interval's worth of data, ready to format as a CSV line or a
// human summary line.
type Row struct {
	Timestamp  time.Time
	ElapsedSec float64
	Counters   metrics.Counters
	Snap       histogram.Snap
}

// requestSec implements open question (a): request_sec counts only
// successful requests ("request_sec = requests / interval_seconds, where
// requests counts only successes"), matching the I5 throughput invariant.
func (r Row) requestSec(intervalSec float64) float64 {
	if intervalSec <= 0 {
		return 0
	}
	return float64(r.Counters.Requests) / intervalSec
}

// truncate2 truncates (never rounds) to two decimal places, per spec §4.6
// "percentiles and averages are truncated, not rounded, to two decimal
// places" for the human-readable form; CSV carries whole microseconds.
func truncate2(v float64) float64 {
	return math.Trunc(v*100) / 100
}

// WriteCSVHeader writes the fixed header line, exactly once per file/stream.
func WriteCSVHeader(w io.Writer) error {
	_, err := fmt.Fprintln(w, strings.Join(CSVHeader, ","))
	return err
}

// WriteCSVRow formats one interval as the 16-field row spec §4.6 defines, in
// spec order: timestamp, request_sec, p50..p100 percentiles, avg_usec,
// request_finished, requests_total_failed, requests_moved,
// requests_clusterdown, client_disconnects. intervalSec is the wall-clock
// length of the interval this row summarizes, used only for request_sec.
func WriteCSVRow(w io.Writer, r Row, intervalSec float64) error {
	c := r.Counters
	s := r.Snap
	_, err := fmt.Fprintf(w, "%d,%.6f,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d\n",
		r.Timestamp.Unix(),
		r.requestSec(intervalSec),
		s.Percentile["p50"], s.Percentile["p90"], s.Percentile["p95"], s.Percentile["p99"],
		s.Percentile["p99_9"], s.Percentile["p99_99"], s.Percentile["p99_999"], s.Percentile["p100"],
		int64(s.Mean), // truncated to whole microseconds
		c.Requests,
		c.Errors, c.Moved, c.ClusterDown, c.Disconnects,
	)
	return err
}

// ProgressLine formats the human-readable per-window progress line the
// single-process orchestrator prints on a timer when CSV mode is off (spec
// §4.6). It reports the trailing window, not the lifetime total.
func ProgressLine(windowSec float64, c metrics.Counters, s histogram.Snap) string {
	return fmt.Sprintf(
		"%.0f req/s, %d reqs, %d errs | p50=%dus p95=%dus p99=%dus mean=%.2fus",
		truncate2(float64(c.Requests)/maxf(windowSec, 1e-9)),
		c.Requests, c.Errors,
		s.Percentile["p50"], s.Percentile["p95"], s.Percentile["p99"],
		truncate2(s.Mean),
	)
}

// Summary is the final, whole-run report (spec §4.6 "on completion, a final
// human-readable summary is printed regardless of CSV mode").
type Summary struct {
	Duration time.Duration
	Overall  metrics.Overall
	Snap     histogram.Snap
}

// SummaryText renders the final summary block.
func SummaryText(s Summary) string {
	var b strings.Builder
	elapsed := s.Duration.Seconds()
	fmt.Fprintf(&b, "Completed in %.2fs\n", elapsed)
	fmt.Fprintf(&b, "  requests: %d, errors: %d\n", s.Overall.TotalRequests, s.Overall.TotalErrors)
	if elapsed > 0 {
		fmt.Fprintf(&b, "  throughput: %.2f req/s\n", truncate2(float64(s.Overall.TotalRequests)/elapsed))
	}
	fmt.Fprintf(&b, "  latency (us): min=%d mean=%.2f max=%d\n", s.Snap.Min, truncate2(s.Snap.Mean), s.Snap.Max)
	for _, p := range histogram.Percentiles {
		key := histogram.FormatPercentileKey(p)
		fmt.Fprintf(&b, "  p%v: %dus\n", p, s.Snap.Percentile[key])
	}
	return b.String()
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
