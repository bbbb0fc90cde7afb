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

package orchestrator

import (
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/config"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/report"
)

// testFlags returns a default, valid Flags value that mutate can adjust
// before building a RunConfig.
func testFlags(t *testing.T, mutate func(*config.Flags)) *config.Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := config.RegisterFlags(fs)
	mutate(f)
	return f
}

// TestRunFailsFastOnUnreachableHost exercises the spec §7 ConnectFailure
// path: the orchestrator must not start any worker if the initial pool
// cannot be established.
func TestRunFailsFastOnUnreachableHost(t *testing.T) {
	cfg, err := config.Build(testFlags(t, func(f *config.Flags) {
		f.Host = "127.0.0.1"
		f.Port = 1 // nothing listens here
		f.ConnTimeoutMs = 100
		f.Requests = 10
	}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var stdout, stderr bytes.Buffer
	o := New(cfg, zap.NewNop(), &stdout, &stderr)
	res, err := o.Run(context.Background())
	if err == nil {
		t.Fatalf("expected Run to fail against an unreachable host")
	}
	if res.ExitCode != ExitConnectFailure {
		t.Fatalf("ExitCode = %d, want %d", res.ExitCode, ExitConnectFailure)
	}
}

func TestCSVHeaderStartsWithTimestampColumn(t *testing.T) {
	var buf bytes.Buffer
	if err := report.WriteCSVHeader(&buf); err != nil {
		t.Fatalf("WriteCSVHeader: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "timestamp,") {
		t.Fatalf("expected header to start with timestamp column, got %q", buf.String())
	}
}

func TestAggregateMergesAcrossWorkersIntoOneRow(t *testing.T) {
	var stdout bytes.Buffer
	o := New(config.RunConfig{CSVIntervalSec: 1}, zap.NewNop(), &stdout, &bytes.Buffer{})

	var got []IntervalResult
	o.OnInterval = func(r IntervalResult) { got = append(got, r) }

	ch := make(chan metrics.IntervalSnapshot, 4)
	done := make(chan struct{})
	tick := 30 * time.Millisecond
	go o.aggregate(ch, done, tick, time.Now())

	h1 := histogram.New()
	h1.RecordValue(100)
	h2 := histogram.New()
	h2.RecordValue(200)

	ch <- metrics.IntervalSnapshot{Histogram: h1, Counters: metrics.Counters{Requests: 3}}
	ch <- metrics.IntervalSnapshot{Histogram: h2, Counters: metrics.Counters{Requests: 2, Errors: 1}}
	close(ch)
	<-done

	if len(got) != 1 {
		t.Fatalf("expected exactly one merged row on channel close, got %d", len(got))
	}
	if got[0].Row.Counters.Requests != 5 || got[0].Row.Counters.Errors != 1 {
		t.Fatalf("unexpected merged counters: %+v", got[0].Row.Counters)
	}
	if got[0].Row.Snap.Count != 2 {
		t.Fatalf("merged histogram count = %d, want 2", got[0].Row.Snap.Count)
	}
	if got[0].Histogram.TotalCount() != 2 {
		t.Fatalf("merged histogram total count = %d, want 2", got[0].Histogram.TotalCount())
	}
}

func TestAggregateFlushesOnTickerEvenWithoutChannelClose(t *testing.T) {
	var stdout bytes.Buffer
	o := New(config.RunConfig{CSVIntervalSec: 1}, zap.NewNop(), &stdout, &bytes.Buffer{})

	var got []IntervalResult
	o.OnInterval = func(r IntervalResult) { got = append(got, r) }

	ch := make(chan metrics.IntervalSnapshot, 4)
	done := make(chan struct{})
	go o.aggregate(ch, done, 20*time.Millisecond, time.Now())
	defer func() { close(ch); <-done }()

	h := histogram.New()
	h.RecordValue(50)
	ch <- metrics.IntervalSnapshot{Histogram: h, Counters: metrics.Counters{Requests: 1}}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && len(got) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) == 0 {
		t.Fatalf("expected the ticker to flush a row without waiting for channel close")
	}
}
