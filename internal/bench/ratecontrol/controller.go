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

// Package ratecontrol implements the core's rate controller (spec §4.2):
// a per-process QPS gate that optionally ramps linearly or exponentially
// between a start and end target.
package ratecontrol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind enumerates the rate policies spec §3 RatePolicy allows.
type Kind int

const (
	KindNone Kind = iota
	KindFixed
	KindLinear
	KindExponential
)

// RampMode selects linear vs exponential ramping (spec §6 qps_ramp_mode).
type RampMode int

const (
	RampLinear RampMode = iota
	RampExponential
)

// Policy is the immutable configuration a Controller is built from (spec §3
// RatePolicy). Exactly one of the Kind-specific field groups is meaningful
// for a given Kind.
type Policy struct {
	Kind Kind

	// KindFixed
	QPS float64

	// KindLinear / KindExponential
	Start    float64
	End      float64
	Step     float64   // KindLinear only
	Factor   float64   // KindExponential only
	Interval time.Duration
}

// Validate enforces the construction-time rules spec §4.2 states:
//   - linear: step must share sign with (end - start)
//   - exponential: factor must be > 0 (factor < 1 is a warned-about ramp-down,
//     not an error)
//   - if start is unspecified (<=0) but end/interval are set, callers should
//     use Normalize to get the "use end as both initial and target"
//     substitution spec §4.2 describes; Validate alone does not apply it.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindLinear:
		diff := p.End - p.Start
		if diff != 0 && sign(p.Step) != sign(diff) {
			return fmt.Errorf("qps_change=%v must share sign with end_qps-start_qps=%v", p.Step, diff)
		}
		if p.Interval <= 0 {
			return fmt.Errorf("qps_change_interval must be > 0 for a linear ramp")
		}
	case KindExponential:
		if p.Factor <= 0 {
			return fmt.Errorf("qps_ramp_factor must be > 0")
		}
		if p.Interval <= 0 {
			return fmt.Errorf("qps_change_interval must be > 0 for an exponential ramp")
		}
	case KindFixed:
		if p.QPS <= 0 {
			return fmt.Errorf("qps must be > 0")
		}
	}
	return nil
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Normalize applies the tie-break spec §4.2 documents: "if start is
// unspecified but end is set with a ramp interval, use end as both initial
// and target, and warn." It returns the possibly-adjusted policy and
// whether a warning should be surfaced to the caller's logger.
func (p Policy) Normalize() (out Policy, warn bool) {
	out = p
	if (p.Kind == KindLinear || p.Kind == KindExponential) && p.Start <= 0 && p.End > 0 {
		out.Start = p.End
		warn = true
	}
	if p.Kind == KindExponential && p.Factor > 0 && p.Factor < 1 {
		warn = true
	}
	return out, warn
}

// Controller enforces Policy. All mutable state is guarded by mu; contention
// is acceptable per spec §4.2/§5 because critical sections are O(1) and
// suspensions are short.
type Controller struct {
	mu sync.Mutex

	policy Policy

	currentQPS   float64
	issuedThisSec int64
	secondStart  time.Time
	lastRamp     time.Time

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a Controller from a normalized Policy. Callers should call
// Policy.Validate and Policy.Normalize first so construction-time
// rejections and warnings are surfaced before the run starts (spec §7
// ConfigInvalid).
func New(p Policy) *Controller {
	now := time.Now()
	c := &Controller{
		policy:      p,
		secondStart: now,
		lastRamp:    now,
		clock:       time.Now,
		sleep:       sleepCtx,
	}
	switch p.Kind {
	case KindFixed:
		c.currentQPS = p.QPS
	case KindLinear, KindExponential:
		c.currentQPS = p.Start
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentQPS returns the controller's present target, useful for reporting
// and for tests asserting invariant I5/P5/P6.
func (c *Controller) CurrentQPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentQPS
}

// AwaitSlot suspends the caller until the next call is permitted under the
// current target (spec §4.2 contract). It never fails except on context
// cancellation, which it propagates promptly.
//
// Pacing algorithm (spec §4.2 "Pacing algorithm within a second"):
//  1. If the elapsed time since secondStart is >= 1s, reset counters
//     (this also advances the ramp schedule, since ramping is evaluated on
//     the same per-second boundary).
//  2. If issuedThisSec >= currentQPS, sleep until secondStart+1s and reset.
//  3. Otherwise increment issuedThisSec and return.
//
// Per open question (b), a multi-second stall (GC pause, scheduler
// starvation) is never compensated with a burst: step 1 always advances to
// "now" and starts a fresh one-second window, it does not replay missed
// permits from skipped windows.
func (c *Controller) AwaitSlot(ctx context.Context) error {
	if c.policy.Kind == KindNone {
		return nil
	}

	for {
		c.mu.Lock()
		now := c.clock()
		if now.Sub(c.secondStart) >= time.Second {
			c.rollSecondLocked(now)
		}

		if float64(c.issuedThisSec) >= c.currentQPS {
			wait := c.secondStart.Add(time.Second).Sub(now)
			c.mu.Unlock()
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		c.issuedThisSec++
		c.mu.Unlock()
		return nil
	}
}

// rollSecondLocked resets the per-second accounting and, if due, advances
// the ramp schedule. Callers must hold mu.
func (c *Controller) rollSecondLocked(now time.Time) {
	c.secondStart = now
	c.issuedThisSec = 0
	c.advanceRampLocked(now)
}

// advanceRampLocked applies one or more ramp steps if at least one interval
// has elapsed since lastRamp. Callers must hold mu.
func (c *Controller) advanceRampLocked(now time.Time) {
	if c.policy.Kind != KindLinear && c.policy.Kind != KindExponential {
		return
	}
	if c.policy.Interval <= 0 {
		return
	}
	elapsedIntervals := int(now.Sub(c.lastRamp) / c.policy.Interval)
	if elapsedIntervals <= 0 {
		return
	}
	for i := 0; i < elapsedIntervals; i++ {
		switch c.policy.Kind {
		case KindLinear:
			c.currentQPS += c.policy.Step
		case KindExponential:
			c.currentQPS = roundHalfAwayFromZero(c.currentQPS * c.policy.Factor)
		}
		c.currentQPS = clamp(c.currentQPS, c.policy.Start, c.policy.End)
	}
	c.lastRamp = c.lastRamp.Add(time.Duration(elapsedIntervals) * c.policy.Interval)
}

func clamp(v, a, b float64) float64 {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}
