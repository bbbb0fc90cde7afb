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

// Package worker implements the core's hot loop (spec §4.5): one goroutine
// per worker that paces itself against the shared rate controller, dispatches
// one operation per iteration through a client borrowed from the pool, times
// it, and records the outcome, until its request budget or the run's
// deadline is exhausted.
package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/customcmd"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/keygen"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/ratecontrol"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/valkeyclient"
)

// SplitBudget partitions total requests across workerCount workers using
// floor(total/workerCount), with the remainder distributed one-per-worker to
// the first (total mod workerCount) workers (spec §4.5 "Work partitioning").
// A total of 0 means duration-bounded: every worker gets a zero (unbounded)
// budget and stops only when the run context is cancelled.
func SplitBudget(total int64, workerCount int) []int64 {
	out := make([]int64, workerCount)
	if total <= 0 || workerCount <= 0 {
		return out
	}
	base := total / int64(workerCount)
	rem := total % int64(workerCount)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}

// Config bundles one worker's dependencies and assigned share of work.
type Config struct {
	ID int

	Pool       *valkeyclient.Pool
	Controller *ratecontrol.Controller
	Recorder   *metrics.Recorder
	KeyGen     *keygen.Generator
	ValueGen   *keygen.ValueGenerator // nil when the operation never writes a value
	Command    customcmd.Command

	// RequestBudget is this worker's share of the total request count; 0
	// means unbounded (the run is duration-bounded instead, spec §3
	// RunConfig "exactly one of requests or duration").
	RequestBudget int64

	// CSVInterval enables periodic interval rotation when > 0 (spec §4.6).
	// OnInterval is invoked synchronously on the worker's own goroutine
	// each time an interval boundary is crossed, and once more on return
	// with whatever is left in a non-empty partial interval.
	CSVInterval time.Duration
	OnInterval  func(metrics.IntervalSnapshot)
}

// Worker runs one hot loop (spec §4.5).
type Worker struct {
	cfg Config
}

// New returns a Worker ready to Run.
func New(cfg Config) *Worker { return &Worker{cfg: cfg} }

// Run executes the hot loop until the request budget is exhausted or ctx is
// done, then returns nil. Run always returns nil: the only way Acquire or
// AwaitSlot can fail is context cancellation, which is itself an ordinary
// termination condition here, not a fatal one.
func (w *Worker) Run(ctx context.Context) error {
	c := w.cfg
	var issued int64
	var lastRotate time.Time
	if c.CSVInterval > 0 {
		lastRotate = time.Now()
	}

	for {
		if c.RequestBudget > 0 && issued >= c.RequestBudget {
			w.flushFinalInterval()
			return nil
		}
		select {
		case <-ctx.Done():
			w.flushFinalInterval()
			return nil
		default:
		}

		idx, client, err := c.Pool.Acquire(ctx)
		if err != nil {
			w.flushFinalInterval()
			return nil
		}

		if c.Controller != nil {
			if err := c.Controller.AwaitSlot(ctx); err != nil {
				c.Pool.Release(idx)
				w.flushFinalInterval()
				return nil
			}
		}

		key := c.KeyGen.NextKey()
		var value []byte
		if c.ValueGen != nil {
			value = c.ValueGen.Next()
		}

		start := time.Now()
		opErr := c.Command.Execute(ctx, client, key, value)
		latencyUs := latencyMicros(time.Since(start))

		if opErr != nil {
			kind, disconnect := classify(opErr)
			c.Recorder.RecordErr(kind, latencyUs, !disconnect)
			if disconnect {
				// Replace re-enqueues idx itself on success; releasing it here
				// first would let two workers acquire the same slot at once.
				// Best effort: a failed redial just leaves this slot out of
				// rotation rather than aborting the whole worker.
				_ = c.Pool.Replace(ctx, idx)
			} else {
				c.Pool.Release(idx)
			}
		} else {
			c.Recorder.RecordOK(latencyUs)
			c.Pool.Release(idx)
		}
		issued++

		if c.CSVInterval > 0 && time.Since(lastRotate) >= c.CSVInterval {
			c.OnInterval(c.Recorder.RotateInterval())
			lastRotate = lastRotate.Add(c.CSVInterval)
		}
	}
}

// flushFinalInterval emits one last interval row on termination if it carries
// any data (spec §4.6 "a final row is emitted on termination if the last
// interval carries any data").
func (w *Worker) flushFinalInterval() {
	c := w.cfg
	if c.CSVInterval <= 0 || c.OnInterval == nil {
		return
	}
	if c.Recorder.PendingIntervalCounters().Requests == 0 && c.Recorder.PendingIntervalCounters().Errors == 0 {
		return
	}
	c.OnInterval(c.Recorder.RotateInterval())
}

// latencyMicros converts a measured duration to the core's recorded unit,
// rounding to the nearest microsecond and clamping tiny durations up to a
// 10µs floor so an effectively-instant local call never reports a zero or
// negative latency (spec §4.5 step 5).
func latencyMicros(d time.Duration) int64 {
	us := d.Round(time.Microsecond).Microseconds()
	if us < 10 {
		return 10
	}
	return us
}

// classify maps an operation error to the recorder's ErrorKind and reports
// whether it is connection-layer (a disconnect, which never carries a
// latency sample and triggers a pool slot replacement) rather than a
// request-layer failure reported by the server itself (spec §4.4).
func classify(err error) (kind metrics.ErrorKind, disconnect bool) {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return metrics.ErrDisconnect, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
		return metrics.ErrDisconnect, true
	}
	return metrics.Classify(err.Error()), false
}
