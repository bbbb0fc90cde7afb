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

package keygen

import (
	"fmt"
	"testing"
)

func TestFixedModeIncludesWorkerIDAndCounter(t *testing.T) {
	g := New(Options{Mode: ModeFixed, WorkerID: 3})
	for i := 0; i < 3; i++ {
		want := fmt.Sprintf("key:3:%d", i)
		if got := g.NextKey(); got != want {
			t.Fatalf("NextKey() = %q, want %q", got, want)
		}
	}
}

func TestSequentialModeWrapsAtKeyspace(t *testing.T) {
	g := New(Options{Mode: ModeSequential, Keyspace: 3, Offset: 100})
	want := []string{"key:100", "key:101", "key:102", "key:100"}
	for i, w := range want {
		if got := g.NextKey(); got != w {
			t.Fatalf("NextKey() #%d = %q, want %q", i, got, w)
		}
	}
}

func TestRandomModeStaysWithinKeyspace(t *testing.T) {
	g := New(Options{Mode: ModeRandom, Keyspace: 10, Offset: 50, Seed: 1})
	for i := 0; i < 200; i++ {
		k := g.NextKey()
		var n int
		if _, err := fmt.Sscanf(k, "key:%d", &n); err != nil {
			t.Fatalf("unexpected key format %q: %v", k, err)
		}
		if n < 50 || n >= 60 {
			t.Fatalf("key %q out of [offset, offset+keyspace) range", k)
		}
	}
}

func TestSequentialRandomStartVariesAcrossWorkers(t *testing.T) {
	a := New(Options{Mode: ModeSequential, WorkerID: 0, Keyspace: 1_000_000, RandomizeStart: true, Seed: 1})
	b := New(Options{Mode: ModeSequential, WorkerID: 1, Keyspace: 1_000_000, RandomizeStart: true, Seed: 1})
	if a.NextKey() == b.NextKey() {
		t.Fatalf("expected different starting offsets for different worker ids")
	}
}

func TestValueGeneratorProducesFixedSizeUppercaseBuffer(t *testing.T) {
	vg := NewValueGenerator(16, 42)
	buf := vg.Next()
	if len(buf) != 16 {
		t.Fatalf("len(buf) = %d, want 16", len(buf))
	}
	for _, c := range buf {
		if c < 'A' || c > 'Z' {
			t.Fatalf("byte %q outside uppercase alphabet", c)
		}
	}
}

func TestValueGeneratorIsDeterministicForSameSeed(t *testing.T) {
	a := NewValueGenerator(8, 7).Next()
	b := NewValueGenerator(8, 7).Next()
	if string(a) != string(b) {
		t.Fatalf("expected identical sequences for identical seeds, got %q vs %q", a, b)
	}
}
