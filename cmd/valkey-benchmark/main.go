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

// Command valkey-benchmark is a polyglot load generator and measurement
// harness for a Valkey/Redis-compatible datastore (spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/config"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/logging"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/orchestrator"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/procfanout"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin *os.File, stdout, stderr *os.File) int {
	if raw, ok := os.LookupEnv(procfanout.ChildConfigEnv); ok && containsChildFlag(args) {
		return runChild(raw, stdout)
	}

	fs := flag.NewFlagSet("valkey-benchmark", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Build(f)
	if err != nil {
		fmt.Fprintf(stderr, "valkey-benchmark: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Processes > 1 && !cfg.SingleProcess {
		res, err := procfanout.Run(ctx, cfg, logger, stdout, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "valkey-benchmark: %v\n", err)
		}
		return res.ExitCode
	}

	o := orchestrator.New(cfg, logger, stdout, stderr)
	res, err := o.Run(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "valkey-benchmark: %v\n", err)
	}
	return res.ExitCode
}

// containsChildFlag reports whether args asks this invocation to behave as
// a fanned-out child process (spec §5 "Process model").
func containsChildFlag(args []string) bool {
	for _, a := range args {
		if a == procfanout.ChildFlag {
			return true
		}
	}
	return false
}

// runChild decodes the child's share of RunConfig from its environment and
// drives it through procfanout.RunChild, emitting JSON-lines results on
// stdout for the parent to consume.
func runChild(raw string, stdout *os.File) int {
	cfg, err := procfanout.DecodeChildConfig(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "valkey-benchmark (child): %v\n", err)
		return orchestrator.ExitConnectFailure
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := procfanout.RunChild(ctx, cfg, logger, stdout); err != nil {
		return 2
	}
	return orchestrator.ExitOK
}
