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

// Package config defines RunConfig (spec §3) and the CLI surface that
// builds and validates it (spec §6). Config is parsed with the standard
// flag package, matching the teacher's own command-line tools.
package config

import (
	"flag"
	"fmt"
	"runtime"
	"time"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/keygen"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/logging"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/ratecontrol"
)

// OpType selects the operation each worker iteration dispatches (spec §4.5).
type OpType string

const (
	OpSet    OpType = "set"
	OpGet    OpType = "get"
	OpCustom OpType = "custom"
)

// RunConfig is the immutable configuration built once at process start
// (spec §3). A zero RunConfig is not valid; build one with RegisterFlags and
// Build.
type RunConfig struct {
	// Connection
	Host              string
	Port              int
	Cluster           bool
	TLS               bool
	ReadFromReplica   bool
	RequestTimeout    time.Duration
	ConnectionTimeout time.Duration

	// Workload
	PoolSize int
	// Ramp is non-zero only when the four ramp flags were supplied together.
	Ramp            ClientRamp
	WorkerCount     int
	TotalRequests   int64 // 0 means duration-bounded
	TestDuration    time.Duration
	ValueSize       int
	Op              OpType
	KeyMode         keygen.Mode
	Keyspace        int64
	KeyspaceOffset  int64
	SequentialRandomStart bool

	// Rate
	RatePolicy ratecontrol.Policy

	// Reporting
	CSVIntervalSec int // 0 disables CSV mode
	LogLevel       logging.Level

	// Multi-process
	Processes     int // resolved value; 0 means single-process
	SingleProcess bool

	// Custom command
	CustomCommandFile string
	CustomCommandArgs string

	// Telemetry (ambient addition, see SPEC_FULL.md)
	MetricsAddr string
}

// ClientRamp is the pool's optional gradual-growth schedule (spec §4.3).
// A zero value means "no ramp; use PoolSize directly."
type ClientRamp struct {
	Start    int
	End      int
	PerStep  int
	Interval time.Duration
}

func (r ClientRamp) enabled() bool { return r.Interval > 0 }

// Flags mirrors the raw CLI surface (spec §6) before cross-field validation
// and RunConfig construction. Keeping this separate from RunConfig lets
// Build produce precise ConfigInvalid errors about flag combinations.
type Flags struct {
	Host              string
	Port              int
	TLS               bool
	Cluster           bool
	ReadFromReplica   bool
	RequestTimeoutMs  int
	ConnTimeoutMs     int

	Clients             int
	ClientsRampStart    int
	ClientsRampEnd      int
	ClientsPerRamp      int
	ClientRampInterval  time.Duration
	Threads             int
	Requests            int64
	TestDuration        time.Duration
	DataSize            int
	Type                string
	Random              int64
	Sequential          int64
	KeyspaceOffset      int64
	SequentialRandomStart bool

	QPS                 float64
	StartQPS            float64
	EndQPS              float64
	QPSChangeInterval   time.Duration
	QPSChange           float64
	QPSRampMode         string
	QPSRampFactor       float64

	IntervalMetricsSec int
	LogLevel           string

	Processes     string
	SingleProcess bool

	CustomCommandFile string
	CustomCommandArgs string

	MetricsAddr string
}

// RegisterFlags binds fs to a Flags struct using the spec §6 flag names.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Host, "host", "127.0.0.1", "Server host")
	fs.IntVar(&f.Port, "port", 6379, "Server port")
	fs.BoolVar(&f.TLS, "tls", false, "Use TLS")
	fs.BoolVar(&f.Cluster, "cluster", false, "Connect in cluster mode")
	fs.BoolVar(&f.ReadFromReplica, "read-from-replica", false, "Allow reads from replicas")
	fs.IntVar(&f.RequestTimeoutMs, "request-timeout", 0, "Per-request timeout in ms (<=0 means unset)")
	fs.IntVar(&f.ConnTimeoutMs, "connection-timeout", 0, "Connection establishment timeout in ms (0 means unset)")

	fs.IntVar(&f.Clients, "clients", 50, "Client pool size")
	fs.IntVar(&f.ClientsRampStart, "clients-ramp-start", 0, "Ramp: initial pool size")
	fs.IntVar(&f.ClientsRampEnd, "clients-ramp-end", 0, "Ramp: final pool size")
	fs.IntVar(&f.ClientsPerRamp, "clients-per-ramp", 0, "Ramp: clients added per interval")
	fs.DurationVar(&f.ClientRampInterval, "client-ramp-interval", 0, "Ramp: interval between growth steps")
	fs.IntVar(&f.Threads, "threads", 1, "Worker count")
	fs.Int64Var(&f.Requests, "requests", 100000, "Total request budget (mutually exclusive with -test-duration)")
	fs.DurationVar(&f.TestDuration, "test-duration", 0, "Run for a fixed duration instead of a request budget")
	fs.IntVar(&f.DataSize, "datasize", 3, "Value size in bytes")
	fs.StringVar(&f.Type, "type", "set", "Operation: set|get|custom")
	fs.Int64Var(&f.Random, "random", 0, "Random key mode: keyspace size")
	fs.Int64Var(&f.Sequential, "sequential", 0, "Sequential key mode: keyspace size")
	fs.Int64Var(&f.KeyspaceOffset, "keyspace-offset", 0, "Offset added to generated key indices")
	fs.BoolVar(&f.SequentialRandomStart, "sequential-random-start", false, "Randomize each worker's starting offset (requires -sequential)")

	fs.Float64Var(&f.QPS, "qps", 0, "Fixed target QPS (mutually exclusive with the dynamic rate flags)")
	fs.Float64Var(&f.StartQPS, "start-qps", 0, "Dynamic rate: initial QPS")
	fs.Float64Var(&f.EndQPS, "end-qps", 0, "Dynamic rate: final QPS")
	fs.DurationVar(&f.QPSChangeInterval, "qps-change-interval", 0, "Dynamic rate: interval between ramp steps, as a duration such as 1s")
	fs.Float64Var(&f.QPSChange, "qps-change", 0, "Linear ramp: QPS delta per interval")
	fs.StringVar(&f.QPSRampMode, "qps-ramp-mode", "linear", "Dynamic rate ramp shape: linear|exponential")
	fs.Float64Var(&f.QPSRampFactor, "qps-ramp-factor", 0, "Exponential ramp: multiplicative factor per interval")

	fs.IntVar(&f.IntervalMetricsSec, "interval-metrics-interval-duration-sec", 0, "Enable CSV mode with this interval in seconds")
	fs.StringVar(&f.LogLevel, "log-level", "OFF", "OFF|ERROR|WARNING|INFO|DEBUG")

	fs.StringVar(&f.Processes, "processes", "auto", "Worker process count, or 'auto' for CPU count")
	fs.BoolVar(&f.SingleProcess, "single-process", false, "Force single-process mode regardless of -processes")

	fs.StringVar(&f.CustomCommandFile, "custom-command-file", "", "Path to a custom-command plug-in (.so)")
	fs.StringVar(&f.CustomCommandArgs, "custom-command-args", "", "Opaque argument string passed to the plug-in's init")

	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Optional address to serve Prometheus /metrics on, e.g. :9090")
	return f
}

// ConfigError reports an invalid flag combination or out-of-range value
// (spec §7 ConfigInvalid). It is always reported on stderr with exit code 1
// before any worker starts.
type ConfigError struct{ msg string }

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Build validates f and produces a RunConfig, or a *ConfigError describing
// the first violated constraint.
func Build(f *Flags) (RunConfig, error) {
	var cfg RunConfig

	cfg.Host = f.Host
	cfg.Port = f.Port
	cfg.TLS = f.TLS
	cfg.Cluster = f.Cluster
	cfg.ReadFromReplica = f.ReadFromReplica
	if f.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = time.Duration(f.RequestTimeoutMs) * time.Millisecond
	}
	if f.ConnTimeoutMs > 0 {
		cfg.ConnectionTimeout = time.Duration(f.ConnTimeoutMs) * time.Millisecond
	}

	rampFieldsSet := f.ClientsRampStart != 0 || f.ClientsRampEnd != 0 || f.ClientsPerRamp != 0 || f.ClientRampInterval != 0
	clientsSet := f.Clients != 0
	if rampFieldsSet {
		if f.ClientsRampStart <= 0 || f.ClientsRampEnd <= 0 || f.ClientsPerRamp <= 0 || f.ClientRampInterval <= 0 {
			return cfg, configErrorf("clients-ramp-start, clients-ramp-end, clients-per-ramp and client-ramp-interval must all be set together and positive")
		}
		if f.ClientsRampEnd < f.ClientsRampStart {
			return cfg, configErrorf("clients-ramp-end must be >= clients-ramp-start")
		}
		cfg.Ramp = ClientRamp{Start: f.ClientsRampStart, End: f.ClientsRampEnd, PerStep: f.ClientsPerRamp, Interval: f.ClientRampInterval}
		cfg.PoolSize = f.ClientsRampEnd
	} else {
		if !clientsSet {
			return cfg, configErrorf("clients must be > 0")
		}
		cfg.PoolSize = f.Clients
	}
	if cfg.PoolSize <= 0 {
		return cfg, configErrorf("resolved pool size must be > 0")
	}

	if f.Threads <= 0 {
		return cfg, configErrorf("threads must be > 0")
	}
	cfg.WorkerCount = f.Threads

	requests := f.Requests
	if f.TestDuration > 0 && requests == 100000 {
		// -requests left at its RegisterFlags default: the run is
		// duration-bounded.
		requests = 0
	}
	if requests > 0 && f.TestDuration > 0 {
		return cfg, configErrorf("requests and test-duration are mutually exclusive")
	}
	if requests <= 0 && f.TestDuration <= 0 {
		return cfg, configErrorf("one of requests or test-duration must be set")
	}
	cfg.TotalRequests = requests
	cfg.TestDuration = f.TestDuration

	if f.DataSize < 0 {
		return cfg, configErrorf("datasize must be >= 0")
	}
	cfg.ValueSize = f.DataSize

	switch OpType(f.Type) {
	case OpSet, OpGet, OpCustom:
		cfg.Op = OpType(f.Type)
	default:
		return cfg, configErrorf("type must be one of set|get|custom, got %q", f.Type)
	}
	if cfg.Op == OpCustom && f.CustomCommandFile == "" {
		return cfg, configErrorf("type=custom requires -custom-command-file")
	}
	cfg.CustomCommandFile = f.CustomCommandFile
	cfg.CustomCommandArgs = f.CustomCommandArgs

	if f.Random > 0 && f.Sequential > 0 {
		return cfg, configErrorf("random and sequential are mutually exclusive")
	}
	cfg.KeyspaceOffset = f.KeyspaceOffset
	switch {
	case f.Random > 0:
		cfg.KeyMode = keygen.ModeRandom
		cfg.Keyspace = f.Random
	case f.Sequential > 0:
		cfg.KeyMode = keygen.ModeSequential
		cfg.Keyspace = f.Sequential
		cfg.SequentialRandomStart = f.SequentialRandomStart
	default:
		cfg.KeyMode = keygen.ModeFixed
		if f.SequentialRandomStart {
			return cfg, configErrorf("sequential-random-start requires -sequential")
		}
	}

	policy, err := buildRatePolicy(f)
	if err != nil {
		return cfg, err
	}
	cfg.RatePolicy = policy

	cfg.CSVIntervalSec = f.IntervalMetricsSec
	level, err := logging.ParseLevel(f.LogLevel)
	if err != nil {
		return cfg, configErrorf("%v", err)
	}
	cfg.LogLevel = level

	cfg.SingleProcess = f.SingleProcess
	procs, err := resolveProcesses(f.Processes, f.SingleProcess)
	if err != nil {
		return cfg, err
	}
	cfg.Processes = procs

	cfg.MetricsAddr = f.MetricsAddr

	return cfg, nil
}

func buildRatePolicy(f *Flags) (ratecontrol.Policy, error) {
	fixedSet := f.QPS > 0
	dynamicSet := f.StartQPS > 0 || f.EndQPS > 0 || f.QPSChangeInterval > 0 || f.QPSChange != 0

	if fixedSet && dynamicSet {
		return ratecontrol.Policy{}, configErrorf("qps and the dynamic rate flags (start-qps/end-qps/qps-change-interval/qps-change) are mutually exclusive")
	}
	if !fixedSet && !dynamicSet {
		return ratecontrol.Policy{Kind: ratecontrol.KindNone}, nil
	}
	if fixedSet {
		return ratecontrol.Policy{Kind: ratecontrol.KindFixed, QPS: f.QPS}, nil
	}

	var mode ratecontrol.RampMode
	switch f.QPSRampMode {
	case "", "linear":
		mode = ratecontrol.RampLinear
	case "exponential":
		mode = ratecontrol.RampExponential
	default:
		return ratecontrol.Policy{}, configErrorf("qps-ramp-mode must be linear|exponential, got %q", f.QPSRampMode)
	}

	p := ratecontrol.Policy{Start: f.StartQPS, End: f.EndQPS, Interval: f.QPSChangeInterval}
	if mode == ratecontrol.RampLinear {
		p.Kind = ratecontrol.KindLinear
		p.Step = f.QPSChange
	} else {
		p.Kind = ratecontrol.KindExponential
		// Open question (c): the factor is never auto-derived; it must be
		// supplied explicitly.
		if f.QPSRampFactor <= 0 {
			return ratecontrol.Policy{}, configErrorf("qps-ramp-factor must be set and > 0 for an exponential ramp")
		}
		p.Factor = f.QPSRampFactor
	}

	normalized, _ := p.Normalize()
	if err := normalized.Validate(); err != nil {
		return ratecontrol.Policy{}, configErrorf("%v", err)
	}
	return normalized, nil
}

func resolveProcesses(raw string, single bool) (int, error) {
	if single {
		return 0, nil
	}
	if raw == "" || raw == "auto" {
		return runtime.NumCPU(), nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 {
		return 0, configErrorf("processes must be a positive integer or 'auto', got %q", raw)
	}
	return n, nil
}

// RampEnabled reports whether the configured pool uses gradual ramp-up
// instead of a fixed size (spec §4.3).
func (c RunConfig) RampEnabled() bool { return c.Ramp.enabled() }
