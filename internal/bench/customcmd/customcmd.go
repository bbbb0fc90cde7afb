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

// Package customcmd implements the core's custom-command plug-in mechanism
// (spec §4.5 "type=custom"): a small interface that a user-authored
// .so plug-in built with Go's standard plugin package implements, loaded at
// process start and invoked once per hot-loop iteration in place of the
// built-in set/get. This mirrors the teacher's own forecaster-plugin loading
// pattern (plugin/tfd), generalized from a fixed forecasting contract to an
// arbitrary per-request command.
package customcmd

import (
	"context"
	"fmt"
	"plugin"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/valkeyclient"
)

// Command is the contract a custom-command plug-in must satisfy. The
// exported plug-in symbol (see Load) must be a value implementing this
// interface, typically a package-level *struct.
type Command interface {
	// Init is called exactly once after the plug-in is loaded, with the
	// raw -custom-command-args string (spec §6 custom_command_args).
	// Plug-ins that take no arguments may ignore args entirely.
	Init(args string) error
	// Execute runs one iteration of the custom command against client,
	// using key and value as the hot loop's generated key/value for this
	// call (spec §4.5 step 4). It returns an error exactly as a built-in
	// set/get would, classified by the caller the same way.
	Execute(ctx context.Context, client valkeyclient.Client, key string, value []byte) error
}

// Load opens the plug-in at path and resolves its exported "Command" symbol,
// then calls Init(args) on it. Load failure (bad path, missing symbol, wrong
// type, or a failing Init) is a fatal ConfigInvalid-class error: the spec
// requires a custom command to be fully ready before any worker starts
// (spec §7).
func Load(path, args string) (Command, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("custom command: open plug-in %s: %w", path, err)
	}
	sym, err := p.Lookup("Command")
	if err != nil {
		return nil, fmt.Errorf("custom command: plug-in %s does not export \"Command\": %w", path, err)
	}
	cmd, ok := sym.(Command)
	if !ok {
		// plugin symbols are frequently exported as *T; try the pointer
		// dereference path a plug-in author would naturally reach for.
		if ptr, ok2 := sym.(*Command); ok2 {
			cmd, ok = *ptr, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("custom command: plug-in %s exports \"Command\" as %T, which does not implement customcmd.Command", path, sym)
	}
	if err := cmd.Init(args); err != nil {
		return nil, fmt.Errorf("custom command: plug-in %s Init failed: %w", path, err)
	}
	return cmd, nil
}

// builtinSet and builtinGet let the worker executor dispatch set/get through
// the exact same call shape as a loaded plug-in, so the hot loop has one
// dispatch path regardless of -type (spec §4.5 step 4 treats set/get/custom
// uniformly once the per-iteration key/value are generated).
type builtinSet struct{}

func (builtinSet) Init(string) error { return nil }
func (builtinSet) Execute(ctx context.Context, client valkeyclient.Client, key string, value []byte) error {
	return client.Set(ctx, key, value)
}

type builtinGet struct{}

func (builtinGet) Init(string) error { return nil }
func (builtinGet) Execute(ctx context.Context, client valkeyclient.Client, key string, value []byte) error {
	return client.Get(ctx, key)
}

// BuiltinSet and BuiltinGet are the Command implementations for -type=set
// and -type=get, given the same interface as a loaded plug-in.
var (
	BuiltinSet Command = builtinSet{}
	BuiltinGet Command = builtinGet{}
)
