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

package metrics

import "testing"

func TestClassifyErrorText(t *testing.T) {
	cases := map[string]ErrorKind{
		"MOVED 1234 10.0.0.1:6379":  ErrMoved,
		"moved to another shard":    ErrMoved,
		"CLUSTERDOWN Hash slot not served": ErrClusterDown,
		"connection reset by peer":  ErrGeneric,
	}
	for text, want := range cases {
		if got := Classify(text); got != want {
			t.Errorf("Classify(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestRecordOKUpdatesAllThreeHistogramsAndCounters(t *testing.T) {
	r := New(1)
	r.RecordOK(100)

	if r.overall.TotalCount() != 1 || r.window.TotalCount() != 1 || r.interval.TotalCount() != 1 {
		t.Fatalf("expected every histogram to receive exactly one sample (I1/I2)")
	}
	if r.Overall().TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d, want 1", r.Overall().TotalRequests)
	}
	if r.PendingIntervalCounters().Requests != 1 {
		t.Fatalf("interval Requests = %d, want 1", r.PendingIntervalCounters().Requests)
	}
}

func TestRecordErrWithoutLatencyDoesNotTouchHistograms(t *testing.T) {
	r := New(1)
	r.RecordErr(ErrGeneric, 0, false)

	if r.overall.TotalCount() != 0 {
		t.Fatalf("expected no histogram sample when hasLatency=false")
	}
	if r.Overall().TotalErrors != 1 {
		t.Fatalf("TotalErrors = %d, want 1", r.Overall().TotalErrors)
	}
	if r.PendingIntervalCounters().Errors != 1 {
		t.Fatalf("interval Errors = %d, want 1", r.PendingIntervalCounters().Errors)
	}
}

func TestRecordErrClassifierCounters(t *testing.T) {
	r := New(1)
	r.RecordErr(ErrMoved, 50, true)
	r.RecordErr(ErrClusterDown, 50, true)
	r.RecordErr(ErrDisconnect, 0, false)

	c := r.PendingIntervalCounters()
	if c.Moved != 1 || c.ClusterDown != 1 || c.Disconnects != 1 || c.Errors != 3 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestRotateIntervalResetsAndReturnsSnapshot(t *testing.T) {
	r := New(1)
	r.RecordOK(100)
	r.RecordOK(200)

	snap := r.RotateInterval()
	if snap.Counters.Requests != 2 {
		t.Fatalf("snapshot Requests = %d, want 2", snap.Counters.Requests)
	}
	if snap.Histogram.TotalCount() != 2 {
		t.Fatalf("snapshot histogram count = %d, want 2", snap.Histogram.TotalCount())
	}
	if r.PendingIntervalCounters().Requests != 0 {
		t.Fatalf("expected interval counters to reset to zero after rotation")
	}
	if r.interval.TotalCount() != 0 {
		t.Fatalf("expected interval histogram to reset after rotation")
	}
	// Overall histogram must be unaffected by interval rotation (I1).
	if r.overall.TotalCount() != 2 {
		t.Fatalf("overall histogram count = %d, want 2 (must survive interval rotation)", r.overall.TotalCount())
	}
}

func TestRotateWindowDoesNotAffectIntervalOrOverall(t *testing.T) {
	r := New(1)
	r.RecordOK(100)
	r.RotateWindow()

	if r.interval.TotalCount() != 1 {
		t.Fatalf("interval histogram count = %d, want 1 (window rotation must not touch it)", r.interval.TotalCount())
	}
	if r.overall.TotalCount() != 1 {
		t.Fatalf("overall histogram count = %d, want 1", r.overall.TotalCount())
	}
}

func TestCountersAddAccumulates(t *testing.T) {
	a := Counters{Requests: 10, Errors: 1}
	b := Counters{Requests: 5, Moved: 2}
	a.Add(b)
	if a.Requests != 15 || a.Errors != 1 || a.Moved != 2 {
		t.Fatalf("unexpected merged counters: %+v", a)
	}
}
