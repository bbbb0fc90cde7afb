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

// Package procfanout implements multi-process orchestration (spec §5
// "Process model"): the parent splits the request budget across OS
// processes and re-execs itself once per process, each child running the
// ordinary single-process orchestrator internally and streaming its
// results upstream as JSON-lines messages on stdout instead of printing
// them. The parent merges all children's streams into one CSV/progress
// output and one final summary, exactly as if a single process had done
// all the work.
package procfanout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/config"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/orchestrator"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/report"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/telemetry"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/worker"
)

// ChildConfigEnv is the environment variable the parent uses to pass a
// child's share of RunConfig, JSON encoded, to sidestep shell
// argument-length and quoting concerns.
const ChildConfigEnv = "VALKEY_BENCH_CHILD_CONFIG"

// ChildFlag is the flag main.go checks at startup to decide whether this
// process is a fanned-out child rather than the top-level invocation.
const ChildFlag = "-fanout-child"

// MsgType tags a line of the child->parent JSON-lines protocol.
type MsgType string

const (
	MsgInterval MsgType = "interval"
	MsgFinal    MsgType = "final"
	MsgError    MsgType = "error"
)

// Message is one line of the child->parent protocol. Only the fields
// relevant to Type are populated.
type Message struct {
	Type MsgType `json:"type"`

	Timestamp        time.Time       `json:"timestamp,omitempty"`
	ElapsedSec       float64         `json:"elapsed_sec,omitempty"`
	Counters         metrics.Counters `json:"counters,omitempty"`
	HistogramEncoded string          `json:"histogram_encoded,omitempty"`

	DurationSec float64         `json:"duration_sec,omitempty"`
	Overall     metrics.Overall `json:"overall,omitempty"`

	Error string `json:"error,omitempty"`
}

// RunChild drives cfg's workload inside a fanned-out child process,
// serializing every interval row and the final result as JSON-lines on
// stdout for the parent to consume. It never writes CSV text, progress
// lines, or the human summary itself; logging still flows to stderr
// normally.
func RunChild(ctx context.Context, cfg config.RunConfig, logger *zap.Logger, stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	var encMu sync.Mutex
	writeMsg := func(m Message) {
		encMu.Lock()
		defer encMu.Unlock()
		_ = enc.Encode(m)
	}

	o := orchestrator.New(cfg, logger, io.Discard, io.Discard)
	o.OnInterval = func(ir orchestrator.IntervalResult) {
		payload, err := ir.Histogram.Encode()
		if err != nil {
			writeMsg(Message{Type: MsgError, Error: fmt.Sprintf("encode interval histogram: %v", err)})
			return
		}
		writeMsg(Message{
			Type:             MsgInterval,
			Timestamp:        ir.Row.Timestamp,
			ElapsedSec:       ir.Row.ElapsedSec,
			Counters:         ir.Row.Counters,
			HistogramEncoded: payload,
		})
	}

	res, err := o.Run(ctx)
	if err != nil {
		writeMsg(Message{Type: MsgError, Error: err.Error()})
		return err
	}

	payload, err := res.OverallHistogram.Encode()
	if err != nil {
		writeMsg(Message{Type: MsgError, Error: fmt.Sprintf("encode final histogram: %v", err)})
		return err
	}
	writeMsg(Message{Type: MsgFinal, DurationSec: res.Duration.Seconds(), Overall: res.Overall, HistogramEncoded: payload})
	return nil
}

// EncodeChildConfig is the inverse of DecodeChildConfig, used by the parent
// to populate ChildConfigEnv for each spawned process.
func EncodeChildConfig(cfg config.RunConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode child config: %w", err)
	}
	return string(raw), nil
}

// DecodeChildConfig is called by main.go when ChildFlag is present.
func DecodeChildConfig(raw string) (config.RunConfig, error) {
	var cfg config.RunConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("decode child config: %w", err)
	}
	return cfg, nil
}

// Run is the parent side: it splits cfg's request budget across
// cfg.Processes OS processes, re-execs the running binary once per process
// with ChildFlag set and that process's share in ChildConfigEnv, and merges
// their JSON-lines streams into the same CSV/progress/summary output the
// single-process orchestrator would have produced.
//
// If any child exits non-zero or is killed, Run returns an error and an
// ExitCode of 2 (spec §7 "an unrecoverable failure during the run"), after
// first letting every other child finish so their partial results are not
// lost.
func Run(ctx context.Context, cfg config.RunConfig, logger *zap.Logger, stdout, stderr io.Writer) (orchestrator.Result, error) {
	self, err := os.Executable()
	if err != nil {
		return orchestrator.Result{ExitCode: orchestrator.ExitConnectFailure}, fmt.Errorf("resolve self executable for fan-out: %w", err)
	}

	if cfg.MetricsAddr != "" {
		telemetryCtx, stopTelemetry := context.WithCancel(ctx)
		defer stopTelemetry()
		go telemetry.Serve(telemetryCtx, cfg.MetricsAddr, logger)
	}

	n := cfg.Processes
	if n < 1 {
		n = 1
	}
	budgets := worker.SplitBudget(cfg.TotalRequests, n)

	csvMode := cfg.CSVIntervalSec > 0
	if csvMode {
		_ = report.WriteCSVHeader(stdout)
	}

	intervalDur := time.Duration(cfg.CSVIntervalSec) * time.Second
	if intervalDur <= 0 {
		intervalDur = time.Second
	}

	intervalCh := make(chan metrics.IntervalSnapshot, n*4)
	results := make(chan childOutcome, n)
	aggDone := make(chan struct{})
	startTime := time.Now()

	go aggregateChildren(intervalCh, aggDone, intervalDur, startTime, stdout, csvMode, cfg.MetricsAddr != "")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		childCfg := cfg
		childCfg.Processes = 0
		childCfg.SingleProcess = true
		childCfg.TotalRequests = budgets[i]
		childCfg.MetricsAddr = "" // only the parent serves /metrics, merged across children

		encoded, err := EncodeChildConfig(childCfg)
		if err != nil {
			return orchestrator.Result{ExitCode: orchestrator.ExitConnectFailure}, err
		}

		wg.Add(1)
		go func(id int, configJSON string) {
			defer wg.Done()
			res := runOneChild(ctx, self, configJSON, logger, intervalCh)
			res.id = id
			results <- res
		}(i, encoded)
	}

	wg.Wait()
	close(intervalCh)
	<-aggDone
	close(results)

	var overall metrics.Overall
	overallHist := histogram.New()
	var firstErr error
	for r := range results {
		if r.err != nil {
			logger.Error("child process failed", zap.Int("child_id", r.id), zap.Error(r.err))
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		overall.TotalRequests += r.overall.TotalRequests
		overall.TotalErrors += r.overall.TotalErrors
		overallHist.Merge(r.hist)
	}

	duration := time.Since(startTime)
	snap := overallHist.TakeSnap()

	summaryWriter := stdout
	if csvMode {
		summaryWriter = stderr
	}
	fmt.Fprint(summaryWriter, report.SummaryText(report.Summary{Duration: duration, Overall: overall, Snap: snap}))

	if firstErr != nil {
		return orchestrator.Result{ExitCode: 2, Overall: overall, Snap: snap, OverallHistogram: overallHist, Duration: duration}, fmt.Errorf("one or more child processes failed: %w", firstErr)
	}
	return orchestrator.Result{ExitCode: orchestrator.ExitOK, Overall: overall, Snap: snap, OverallHistogram: overallHist, Duration: duration}, nil
}

type childOutcome struct {
	id       int
	overall  metrics.Overall
	hist     *histogram.Histogram
	duration time.Duration
	err      error
}

// runOneChild spawns one child, forwards each decoded interval Message onto
// intervalCh, takes the child's overall counters and histogram from its
// final Message, and waits for it to exit.
func runOneChild(ctx context.Context, self, configJSON string, logger *zap.Logger, intervalCh chan<- metrics.IntervalSnapshot) childOutcome {
	cmd := exec.CommandContext(ctx, self, ChildFlag)
	cmd.Env = append(os.Environ(), ChildConfigEnv+"="+configJSON)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return childOutcome{err: fmt.Errorf("create child stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return childOutcome{err: fmt.Errorf("start child process: %w", err)}
	}

	var final childOutcome
	var sawFinal bool
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			logger.Warn("child emitted an unparseable line", zap.Error(err))
			continue
		}
		switch m.Type {
		case MsgInterval:
			h, err := histogram.Decode(m.HistogramEncoded)
			if err != nil {
				logger.Warn("failed to decode a child's interval histogram", zap.Error(err))
				continue
			}
			intervalCh <- metrics.IntervalSnapshot{Histogram: h, Counters: m.Counters}
		case MsgFinal:
			h, err := histogram.Decode(m.HistogramEncoded)
			if err != nil {
				logger.Warn("failed to decode a child's final histogram", zap.Error(err))
				continue
			}
			final = childOutcome{overall: m.Overall, hist: h, duration: time.Duration(m.DurationSec * float64(time.Second))}
			sawFinal = true
		case MsgError:
			logger.Error("child reported an error", zap.String("error", m.Error))
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		return childOutcome{err: fmt.Errorf("child process exited with an error: %w", waitErr)}
	}
	if !sawFinal {
		return childOutcome{err: fmt.Errorf("child process exited without reporting a final result")}
	}
	return final
}

// aggregateChildren mirrors orchestrator's own interval aggregation, merging
// every child's interval snapshots into one CSV row or progress line per
// tick.
func aggregateChildren(in <-chan metrics.IntervalSnapshot, done chan<- struct{}, tick time.Duration, startTime time.Time, stdout io.Writer, csvMode, metricsEnabled bool) {
	defer close(done)

	merged := metrics.Counters{}
	mergedHist := histogram.New()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	flush := func() {
		if merged.Requests == 0 && merged.Errors == 0 {
			return
		}
		snap := mergedHist.TakeSnap()
		if metricsEnabled {
			telemetry.ObserveInterval(merged, snap)
		}
		row := report.Row{Timestamp: time.Now(), ElapsedSec: time.Since(startTime).Seconds(), Counters: merged, Snap: snap}
		if csvMode {
			_ = report.WriteCSVRow(stdout, row, tick.Seconds())
		} else {
			fmt.Fprintln(stdout, report.ProgressLine(tick.Seconds(), row.Counters, row.Snap))
		}
		merged = metrics.Counters{}
		mergedHist = histogram.New()
	}

	for {
		select {
		case s, ok := <-in:
			if !ok {
				flush()
				return
			}
			merged.Add(s.Counters)
			mergedHist.Merge(s.Histogram)
		case <-ticker.C:
			flush()
		}
	}
}
