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

// Package histogram wraps github.com/HdrHistogram/hdrhistogram-go with the
// bucket range and wire-encoding the core's metrics pipeline relies on: a
// log-linear histogram over [1µs, 60s] at three significant digits (spec
// §4.4), with a compressed payload suitable for the multi-process orchestrator
// to ship over a pipe and merge (spec §4.6).
package histogram

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"

	hdr "github.com/HdrHistogram/hdrhistogram-go"
)

const (
	lowestTrackableUS  = 1
	highestTrackableUS = 60_000_000 // 60s in microseconds
	significantFigures = 3
)

// Percentiles are the canonical set reported everywhere the core emits
// latency statistics (CSV rows, the human summary, progress lines).
var Percentiles = []float64{50, 90, 95, 99, 99.9, 99.99, 99.999, 100}

// Histogram is a thin, allocation-stable wrapper over hdr.Histogram that
// fixes the core's bucket range and adds the percentile-index convention
// spec §4.4 requires: floor(p/100 * count), clamped to count-1, no
// interpolation between buckets.
type Histogram struct {
	h *hdr.Histogram
}

// New returns an empty histogram over the core's fixed [1µs, 60s] range.
func New() *Histogram {
	return &Histogram{h: hdr.New(lowestTrackableUS, highestTrackableUS, significantFigures)}
}

// RecordValue inserts one latency sample, expressed in microseconds.
// RecordValue clamps to the histogram's own [1µs, 60s] range so a
// pathological sample never aborts the run; the worker applies its own 10µs
// floor to measured latencies before they reach here (spec §4.5 step 5).
func (h *Histogram) RecordValue(us int64) {
	if us < lowestTrackableUS {
		us = lowestTrackableUS
	}
	if us > highestTrackableUS {
		us = highestTrackableUS
	}
	_ = h.h.RecordValue(us)
}

// TotalCount returns the number of recorded samples.
func (h *Histogram) TotalCount() int64 { return h.h.TotalCount() }

func (h *Histogram) Min() int64    { return h.h.Min() }
func (h *Histogram) Max() int64    { return h.h.Max() }
func (h *Histogram) Mean() float64 { return h.h.Mean() }

// ValueAtPercentile extracts p using the histogram's own bucket boundary
// (hdrhistogram-go's ValueAtQuantile already implements the
// floor(p/100*count)-clamped-to-count-1 rank walk over bucket boundaries
// with no interpolation, matching spec §4.4 exactly; the library names the
// parameter "quantile" but it is expressed on a 0-100 scale like the rest
// of this package).
func (h *Histogram) ValueAtPercentile(p float64) int64 {
	if h.h.TotalCount() == 0 {
		return 0
	}
	return h.h.ValueAtQuantile(p)
}

// Reset clears all recorded samples, used at window/interval rotation
// boundaries (spec §4.4 rotate_window/rotate_interval).
func (h *Histogram) Reset() { h.h.Reset() }

// Merge adds every sample recorded in other into h, used by the
// multi-process orchestrator to combine per-worker histograms (spec §4.6,
// invariant I7).
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	h.h.Merge(other.h)
}

// Snapshot returns a detached copy of h suitable for handing to a consumer
// (e.g. a CSV row formatter) while h itself keeps accumulating.
func (h *Histogram) Snapshot() *Histogram {
	cp := New()
	cp.h.Merge(h.h)
	return cp
}

// Encode serializes h to a compact, self-describing payload suitable for the
// worker->orchestrator message channel in multi-process mode (spec §4.6
// "window_histogram_encoded" etc). It round-trips the bucket-count snapshot
// hdrhistogram-go exposes for exactly this purpose (h.Export()/Import),
// gob-encoded and base64-wrapped so it drops cleanly into a JSON-lines
// message alongside the other fields in procfanout's wire messages.
func (h *Histogram) Encode() (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h.h.Export()); err != nil {
		return "", fmt.Errorf("histogram encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. Decode failures are the core's HistogramDecodeFailure
// error kind (spec §7): they are reported by the caller and must not abort
// aggregation of the remaining payloads.
func Decode(payload string) (*Histogram, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("histogram decode base64: %w", err)
	}
	var snap hdr.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("histogram decode payload: %w", err)
	}
	return &Histogram{h: hdr.Import(&snap)}, nil
}

// MergeEncoded decodes payload and merges it into h in one step, returning
// an error the caller can classify as HistogramDecodeFailure without
// aborting the run.
func (h *Histogram) MergeEncoded(payload string) error {
	other, err := Decode(payload)
	if err != nil {
		return err
	}
	h.Merge(other)
	return nil
}

// Snap is an immutable percentile/summary extraction of a histogram at one
// instant, used to build CSV rows and the human report without holding a
// reference to the live, still-mutating Histogram.
type Snap struct {
	Count      int64
	Min        int64
	Max        int64
	Mean       float64
	Percentile map[string]int64 // keyed by FormatPercentileKey(p)
}

// FormatPercentileKey renders a percentile value into the stable key used
// in Snap.Percentile and in CSV column naming (e.g. 99.9 -> "p99_9").
func FormatPercentileKey(p float64) string {
	switch p {
	case 50:
		return "p50"
	case 90:
		return "p90"
	case 95:
		return "p95"
	case 99:
		return "p99"
	case 99.9:
		return "p99_9"
	case 99.99:
		return "p99_99"
	case 99.999:
		return "p99_999"
	case 100:
		return "p100"
	default:
		return fmt.Sprintf("p%v", p)
	}
}

// TakeSnap extracts a Snap for every percentile in Percentiles.
func (h *Histogram) TakeSnap() Snap {
	s := Snap{
		Count:      h.TotalCount(),
		Min:        h.Min(),
		Max:        h.Max(),
		Mean:       h.Mean(),
		Percentile: make(map[string]int64, len(Percentiles)),
	}
	for _, p := range Percentiles {
		s.Percentile[FormatPercentileKey(p)] = h.ValueAtPercentile(p)
	}
	return s
}
