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

// Package keygen implements the core's key and value generators (spec §4.1):
// fixed-per-worker, random-in-keyspace and sequential-modulo-keyspace key
// selection, plus a seeded-LCG value filler.
package keygen

import (
	"fmt"
	"math/rand/v2"
)

// Mode selects the key-generation policy (spec §3 RunConfig.key-selection
// policy, spec §6 -random/-sequential CLI surface).
type Mode int

const (
	ModeFixed Mode = iota
	ModeRandom
	ModeSequential
)

// Generator produces keys for one worker's hot loop. A Generator is owned by
// exactly one worker and is not safe for concurrent use: the only mutable
// state is the worker-local counter (spec §4.1 "pure per call ... except for
// the per-worker counter").
type Generator struct {
	mode       Mode
	workerID   int
	keyspace   int64
	offset     int64
	randSource *rand.Rand

	counter int64
}

// Options configures a Generator. Keyspace and Offset are meaningful only
// for ModeRandom and ModeSequential.
type Options struct {
	Mode     Mode
	WorkerID int
	Keyspace int64
	Offset   int64
	// RandomizeStart distributes ModeSequential workers across the keyspace
	// by choosing a random starting counter offset per worker, instead of
	// every worker starting at its counter=0 position (spec §4.1
	// "sequential_random_start").
	RandomizeStart bool
	// Seed drives both ModeRandom's key selection and the
	// RandomizeStart starting-offset draw, so runs are reproducible.
	Seed uint64
}

// New builds a Generator per opts.
func New(opts Options) *Generator {
	g := &Generator{
		mode:     opts.Mode,
		workerID: opts.WorkerID,
		keyspace: opts.Keyspace,
		offset:   opts.Offset,
	}
	if g.mode == ModeRandom || opts.RandomizeStart {
		g.randSource = rand.New(rand.NewPCG(opts.Seed, uint64(opts.WorkerID)+1))
	}
	if g.mode == ModeSequential && opts.RandomizeStart && opts.Keyspace > 0 {
		g.counter = g.randSource.Int64N(opts.Keyspace)
	}
	return g
}

// NextKey returns the key for the next operation and advances worker-local
// state (spec §4.1).
func (g *Generator) NextKey() string {
	switch g.mode {
	case ModeRandom:
		n := g.offset + g.randSource.Int64N(g.keyspace)
		return fmt.Sprintf("key:%d", n)
	case ModeSequential:
		n := (g.counter % g.keyspace) + g.offset
		g.counter++
		return fmt.Sprintf("key:%d", n)
	default: // ModeFixed
		k := fmt.Sprintf("key:%d:%d", g.workerID, g.counter)
		g.counter++
		return k
	}
}

// lcgMultiplier/lcgIncrement are the classic Numerical-Recipes LCG constants
// (mod 2^32), chosen only for cheap, deterministic value filling — not for
// any cryptographic or statistical property.
const (
	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ValueGenerator fills reusable value buffers of a fixed size using a seeded
// LCG (spec §4.1). It is owned by one worker and reused across calls to
// avoid a per-call allocation on the hot path.
type ValueGenerator struct {
	size  int
	state uint32
	buf   []byte
}

// NewValueGenerator returns a generator that produces size-byte buffers,
// seeded from seed (typically derived from the worker id so workers don't
// all emit identical value streams).
func NewValueGenerator(size int, seed uint32) *ValueGenerator {
	if seed == 0 {
		seed = 1 // an LCG with state 0 and increment 0 would stick at 0; not the case here, but keep state non-zero for a better initial spread.
	}
	return &ValueGenerator{size: size, state: seed, buf: make([]byte, size)}
}

// Next returns the shared internal buffer refilled with size bytes drawn
// from the uppercase alphabet. Callers that need to retain the bytes past
// the next call must copy them.
func (v *ValueGenerator) Next() []byte {
	for i := 0; i < v.size; i++ {
		v.state = v.state*lcgMultiplier + lcgIncrement
		v.buf[i] = alphabet[(v.state>>8)%uint32(len(alphabet))]
	}
	return v.buf
}
