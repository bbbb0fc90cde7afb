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

package valkeyclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// DialFunc constructs one Client connection; swapped out in tests.
type DialFunc func(ctx context.Context) (Client, error)

// Pool is a bounded set of pre-established Client connections shared by all
// worker goroutines (spec §4.3 ClientPool). Workers acquire a handle, use
// it, and release it; the pool never blocks an acquire once fully grown
// except when every handle is checked out.
type Pool struct {
	mu      sync.Mutex
	dial    DialFunc
	clients []Client
	free    chan int // indices into clients, buffered to cap

	rampEnabled  bool
	rampStart    int
	rampEnd      int
	rampStep     int
	rampInterval time.Duration
}

// RampPolicy configures gradual pool growth (spec §4.3 "Optional ramp-up").
type RampPolicy struct {
	Enabled  bool
	Start    int
	End      int
	Step     int
	Interval time.Duration
}

// NewPool dials an initial set of connections and, if ramp.Enabled, spawns a
// background goroutine that grows the pool toward ramp.End. size is the
// pool's final capacity (ramp.End when ramping, otherwise the fixed client
// count); the free channel is sized to size up front so growth never
// reallocates it.
func NewPool(ctx context.Context, dial DialFunc, size int, ramp RampPolicy) (*Pool, error) {
	initial := size
	if ramp.Enabled {
		initial = ramp.Start
	}
	if initial < 1 {
		return nil, fmt.Errorf("client pool: initial size must be >= 1, got %d", initial)
	}

	p := &Pool{
		dial:         dial,
		clients:      make([]Client, 0, size),
		free:         make(chan int, size),
		rampEnabled:  ramp.Enabled,
		rampStart:    ramp.Start,
		rampEnd:      ramp.End,
		rampStep:     ramp.Step,
		rampInterval: ramp.Interval,
	}
	if err := p.growTo(ctx, initial); err != nil {
		p.CloseAll()
		return nil, err
	}
	if ramp.Enabled && ramp.End > ramp.Start {
		go p.rampLoop(ctx)
	}
	return p, nil
}

// growTo dials new connections until the pool holds n clients, pushing each
// new index onto the free channel as soon as it is ready.
func (p *Pool) growTo(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.clients) < n {
		c, err := p.dial(ctx)
		if err != nil {
			return fmt.Errorf("client pool: dial connection %d: %w", len(p.clients), err)
		}
		idx := len(p.clients)
		p.clients = append(p.clients, c)
		p.free <- idx
	}
	return nil
}

// rampLoop grows the pool by rampStep every rampInterval until it reaches
// rampEnd, then exits. It stops early if ctx is cancelled.
func (p *Pool) rampLoop(ctx context.Context) {
	ticker := time.NewTicker(p.rampInterval)
	defer ticker.Stop()
	target := p.rampStart
	for target < p.rampEnd {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			target += p.rampStep
			if target > p.rampEnd {
				target = p.rampEnd
			}
			if err := p.growTo(ctx, target); err != nil {
				return
			}
		}
	}
}

// Acquire blocks until a free client handle is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (idx int, c Client, err error) {
	select {
	case idx = <-p.free:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	p.mu.Lock()
	c = p.clients[idx]
	p.mu.Unlock()
	return idx, c, nil
}

// Release returns a handle to the free pool for reuse by another worker.
func (p *Pool) Release(idx int) {
	p.free <- idx
}

// Replace swaps the client at idx for a freshly dialed one, used after a
// connection-layer failure (spec §4.4 "disconnects"). The failed client is
// closed first; if redial fails the slot keeps the closed client and is
// never returned to the free channel, shrinking effective pool size by one
// rather than letting a dead handle reach a worker.
func (p *Pool) Replace(ctx context.Context, idx int) error {
	p.mu.Lock()
	old := p.clients[idx]
	p.mu.Unlock()
	_ = old.Close()

	c, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("client pool: redial slot %d: %w", idx, err)
	}
	p.mu.Lock()
	p.clients[idx] = c
	p.mu.Unlock()
	p.free <- idx
	return nil
}

// Size returns the number of connections currently held by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll closes every connection the pool holds. Safe to call once after
// all workers have stopped.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c != nil {
			_ = c.Close()
		}
	}
}
