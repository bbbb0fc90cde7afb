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

package procfanout

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/config"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
)

func TestChildConfigRoundTripsThroughJSON(t *testing.T) {
	cfg := config.RunConfig{
		Host:          "10.0.0.5",
		Port:          6380,
		PoolSize:      20,
		WorkerCount:   4,
		TotalRequests: 2500,
		Op:            config.OpSet,
		ValueSize:     64,
	}
	encoded, err := EncodeChildConfig(cfg)
	if err != nil {
		t.Fatalf("EncodeChildConfig: %v", err)
	}
	decoded, err := DecodeChildConfig(encoded)
	if err != nil {
		t.Fatalf("DecodeChildConfig: %v", err)
	}
	if decoded.Host != cfg.Host || decoded.Port != cfg.Port || decoded.TotalRequests != cfg.TotalRequests || decoded.Op != cfg.Op {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, cfg)
	}
}

func TestDecodeChildConfigRejectsGarbage(t *testing.T) {
	if _, err := DecodeChildConfig("not json"); err == nil {
		t.Fatalf("expected DecodeChildConfig to reject invalid JSON")
	}
}

func TestMessageRoundTripsThroughJSONLines(t *testing.T) {
	m := Message{
		Type:             MsgInterval,
		ElapsedSec:       1.5,
		Counters:         metrics.Counters{Requests: 10, Errors: 1},
		HistogramEncoded: "deadbeef",
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != MsgInterval || got.Counters.Requests != 10 || got.HistogramEncoded != "deadbeef" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAggregateChildrenWritesMergedCSVRow(t *testing.T) {
	var buf bytes.Buffer
	ch := make(chan metrics.IntervalSnapshot, 4)
	done := make(chan struct{})

	go aggregateChildren(ch, done, 25*time.Millisecond, time.Now(), &buf, true, false)

	h1 := histogram.New()
	h1.RecordValue(100)
	h2 := histogram.New()
	h2.RecordValue(300)
	ch <- metrics.IntervalSnapshot{Histogram: h1, Counters: metrics.Counters{Requests: 4}}
	ch <- metrics.IntervalSnapshot{Histogram: h2, Counters: metrics.Counters{Requests: 6}}
	close(ch)
	<-done

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one merged CSV row, got %d: %q", len(lines), buf.String())
	}
	fields := strings.Split(lines[0], ",")
	if fields[11] != "10" {
		t.Fatalf("merged request_finished field = %q, want 10", fields[11])
	}
}

func TestAggregateChildrenWritesProgressLineWhenNotCSVMode(t *testing.T) {
	var buf bytes.Buffer
	ch := make(chan metrics.IntervalSnapshot, 4)
	done := make(chan struct{})

	go aggregateChildren(ch, done, 25*time.Millisecond, time.Now(), &buf, false, false)

	h := histogram.New()
	h.RecordValue(100)
	ch <- metrics.IntervalSnapshot{Histogram: h, Counters: metrics.Counters{Requests: 1}}
	close(ch)
	<-done

	if !strings.Contains(buf.String(), "req/s") {
		t.Fatalf("expected a human progress line, got %q", buf.String())
	}
}
