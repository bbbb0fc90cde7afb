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

// Package orchestrator wires one process's client pool, rate controller,
// workers and reporting together and drives a single run from start to
// final summary (spec §4 end to end, single-process case; procfanout reuses
// this package inside each child process and ships its results upstream
// instead of printing them directly).
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/config"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/customcmd"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/keygen"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/ratecontrol"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/report"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/telemetry"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/valkeyclient"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/worker"
)

// defaultProgressInterval is the tick length used for the human progress
// line when CSV mode is off (spec §4.6 names the CSV interval explicitly
// but leaves the plain-text progress cadence to the implementation).
const defaultProgressInterval = time.Second

// Exit codes (spec §7): 0 clean, 1 a configuration or connection failure
// discovered before any worker started, 2 an unrecoverable failure during
// the run (reserved for procfanout's child-crash case; a single-process run
// that starts successfully only ever returns 0 or 1).
const (
	ExitOK             = 0
	ExitConnectFailure = 1
)

// Result is everything a caller (main, or procfanout's child driver) needs
// after a run completes. OverallHistogram is the raw, mergeable histogram
// behind Snap; procfanout's parent needs it to combine several children's
// results into one final percentile set, which cannot be done from
// already-extracted percentile values.
type Result struct {
	ExitCode         int
	Overall          metrics.Overall
	Snap             histogram.Snap
	OverallHistogram *histogram.Histogram
	Duration         time.Duration
}

// IntervalResult pairs a formatted report.Row with the raw histogram behind
// its Snap, for the same reason Result carries OverallHistogram.
type IntervalResult struct {
	Row       report.Row
	Histogram *histogram.Histogram
}

// Orchestrator drives one run of cfg against a single connection target.
type Orchestrator struct {
	cfg    config.RunConfig
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer

	// OnInterval, if set, receives every merged interval result instead of
	// (or in addition to) it being printed to stdout/stderr. procfanout's
	// child driver uses this to ship rows upstream over its IPC channel
	// rather than writing CSV text twice.
	OnInterval func(IntervalResult)
}

// New builds an Orchestrator. stdout/stderr follow spec §4.6's CSV-mode
// discipline: in CSV mode, rows go to stdout and the final summary goes to
// stderr; otherwise progress lines and the summary both go to stdout. Logs
// always go to stderr (see logging.New).
func New(cfg config.RunConfig, logger *zap.Logger, stdout, stderr io.Writer) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
}

func (o *Orchestrator) csvMode() bool { return o.cfg.CSVIntervalSec > 0 }

// summaryWriter is where the final human summary goes: stderr in CSV mode
// (stdout must stay pure CSV), stdout otherwise.
func (o *Orchestrator) summaryWriter() io.Writer {
	if o.csvMode() {
		return o.stderr
	}
	return o.stdout
}

// Run executes the configured workload end to end and returns once every
// worker has stopped, either because its request budget was exhausted or
// because ctx's deadline (the configured test duration) elapsed.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	cfg := o.cfg
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	if cfg.MetricsAddr != "" {
		telemetryCtx, stopTelemetry := context.WithCancel(ctx)
		defer stopTelemetry()
		go telemetry.Serve(telemetryCtx, cfg.MetricsAddr, o.logger)
	}

	connOpts := valkeyclient.ConnOptions{
		Cluster:          cfg.Cluster,
		TLS:              cfg.TLS,
		ReadOnly:         cfg.ReadFromReplica,
		RequestTimeoutMs: cfg.RequestTimeout.Milliseconds(),
		ConnectTimeoutMs: cfg.ConnectionTimeout.Milliseconds(),
	}
	dial := func(dialCtx context.Context) (valkeyclient.Client, error) {
		return valkeyclient.Dial(dialCtx, addr, connOpts)
	}

	ramp := valkeyclient.RampPolicy{
		Enabled:  cfg.RampEnabled(),
		Start:    cfg.Ramp.Start,
		End:      cfg.Ramp.End,
		Step:     cfg.Ramp.PerStep,
		Interval: cfg.Ramp.Interval,
	}
	pool, err := valkeyclient.NewPool(ctx, dial, cfg.PoolSize, ramp)
	if err != nil {
		return Result{ExitCode: ExitConnectFailure}, fmt.Errorf("establish client pool: %w", err)
	}
	defer pool.CloseAll()

	cmd, err := o.resolveCommand()
	if err != nil {
		return Result{ExitCode: ExitConnectFailure}, err
	}

	var controller *ratecontrol.Controller
	if cfg.RatePolicy.Kind != ratecontrol.KindNone {
		controller = ratecontrol.New(cfg.RatePolicy)
	}

	intervalDur := time.Duration(cfg.CSVIntervalSec) * time.Second
	if intervalDur <= 0 {
		intervalDur = defaultProgressInterval
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.TestDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.TestDuration)
		defer cancel()
	}

	budgets := worker.SplitBudget(cfg.TotalRequests, cfg.WorkerCount)
	recorders := make([]*metrics.Recorder, cfg.WorkerCount)

	intervalCh := make(chan metrics.IntervalSnapshot, cfg.WorkerCount*4)
	aggDone := make(chan struct{})
	startTime := time.Now()
	if o.csvMode() {
		_ = report.WriteCSVHeader(o.stdout)
	}
	go o.aggregate(intervalCh, aggDone, intervalDur, startTime)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		rec := metrics.New(i)
		recorders[i] = rec

		kg := keygen.New(keygen.Options{
			Mode:           cfg.KeyMode,
			WorkerID:       i,
			Keyspace:       cfg.Keyspace,
			Offset:         cfg.KeyspaceOffset,
			RandomizeStart: cfg.SequentialRandomStart,
			Seed:           uint64(i) + 1,
		})
		var vg *keygen.ValueGenerator
		if cfg.Op != config.OpGet {
			vg = keygen.NewValueGenerator(cfg.ValueSize, uint32(i)+1)
		}

		w := worker.New(worker.Config{
			ID:            i,
			Pool:          pool,
			Controller:    controller,
			Recorder:      rec,
			KeyGen:        kg,
			ValueGen:      vg,
			Command:       cmd,
			RequestBudget: budgets[i],
			CSVInterval:   intervalDur,
			OnInterval:    func(s metrics.IntervalSnapshot) { intervalCh <- s },
		})

		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := w.Run(runCtx); err != nil {
				o.logger.Error("worker stopped with an error", zap.Int("worker_id", workerID), zap.Error(err))
			}
		}(i)
	}

	wg.Wait()
	close(intervalCh)
	<-aggDone

	duration := time.Since(startTime)
	overallHist := histogram.New()
	var overall metrics.Overall
	for _, r := range recorders {
		overallHist.Merge(r.OverallHistogram())
		o := r.Overall()
		overall.TotalRequests += o.TotalRequests
		overall.TotalErrors += o.TotalErrors
	}
	snap := overallHist.TakeSnap()

	fmt.Fprint(o.summaryWriter(), report.SummaryText(report.Summary{Duration: duration, Overall: overall, Snap: snap}))

	return Result{ExitCode: ExitOK, Overall: overall, Snap: snap, OverallHistogram: overallHist, Duration: duration}, nil
}

func (o *Orchestrator) resolveCommand() (customcmd.Command, error) {
	switch o.cfg.Op {
	case config.OpSet:
		return customcmd.BuiltinSet, nil
	case config.OpGet:
		return customcmd.BuiltinGet, nil
	case config.OpCustom:
		cmd, err := customcmd.Load(o.cfg.CustomCommandFile, o.cfg.CustomCommandArgs)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", o.cfg.Op)
	}
}

// aggregate merges asynchronous per-worker interval snapshots into a single
// running total and flushes one report.Row every tick, regardless of how
// the contributing workers' own rotation schedules happen to be phased
// relative to one another (spec §4.6 describes one row per interval for the
// whole process, not one per worker).
func (o *Orchestrator) aggregate(in <-chan metrics.IntervalSnapshot, done chan<- struct{}, tick time.Duration, startTime time.Time) {
	defer close(done)

	merged := metrics.Counters{}
	mergedHist := histogram.New()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	flush := func() {
		if merged.Requests == 0 && merged.Errors == 0 {
			return
		}
		row := report.Row{Timestamp: time.Now(), ElapsedSec: time.Since(startTime).Seconds(), Counters: merged, Snap: mergedHist.TakeSnap()}
		o.emitRow(IntervalResult{Row: row, Histogram: mergedHist}, tick.Seconds())
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

func (o *Orchestrator) emitRow(ir IntervalResult, intervalSec float64) {
	if o.cfg.MetricsAddr != "" {
		telemetry.ObserveInterval(ir.Row.Counters, ir.Row.Snap)
	}
	if o.OnInterval != nil {
		o.OnInterval(ir)
		return
	}
	if o.csvMode() {
		_ = report.WriteCSVRow(o.stdout, ir.Row, intervalSec)
		return
	}
	fmt.Fprintln(o.stdout, report.ProgressLine(intervalSec, ir.Row.Counters, ir.Row.Snap))
}
