// Copyright 2018 The gVisor Authors.
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

// Package ktime provides the kernel's clocks.
package ktime

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"kcore.dev/kcore/pkg/abi/linux"
)

// Time represents an instant in time with nanosecond precision, relative to
// the zero time of the Clock that produced it.
type Time struct {
	ns int64
}

var (
	// MinTime is the lowest Time that can be represented.
	MinTime = Time{ns: math.MinInt64}

	// MaxTime is the highest Time that can be represented.
	MaxTime = Time{ns: math.MaxInt64}

	// ZeroTime is the zero time in an unspecified Clock's domain.
	ZeroTime = Time{ns: 0}
)

// FromNanoseconds returns a Time representing the point ns nanoseconds after
// an unspecified Clock's zero time.
func FromNanoseconds(ns int64) Time {
	return Time{ns}
}

// FromSeconds returns a Time representing the point s seconds after an
// unspecified Clock's zero time.
func FromSeconds(s int64) Time {
	if s > math.MaxInt64/time.Second.Nanoseconds() {
		return MaxTime
	}
	return Time{s * 1e9}
}

// Nanoseconds returns nanoseconds elapsed since the zero time in t's Clock
// domain.
func (t Time) Nanoseconds() int64 {
	return t.ns
}

// Seconds returns whole seconds elapsed since the zero time in t's Clock
// domain.
func (t Time) Seconds() int64 {
	return t.ns / time.Second.Nanoseconds()
}

// Timespec converts Time to a Linux timespec.
func (t Time) Timespec() linux.Timespec {
	return linux.DurationToTimespec(time.Duration(t.ns))
}

// Add adds the duration of d to t, saturating at MinTime and MaxTime.
func (t Time) Add(d time.Duration) Time {
	if t.ns > 0 && d.Nanoseconds() > math.MaxInt64-t.ns {
		return MaxTime
	}
	if t.ns < 0 && d.Nanoseconds() < math.MinInt64-t.ns {
		return MinTime
	}
	return Time{t.ns + d.Nanoseconds()}
}

// Before reports whether the instant t is before the instant u.
func (t Time) Before(u Time) bool {
	return t.ns < u.ns
}

// After reports whether the instant t is after the instant u.
func (t Time) After(u Time) bool {
	return t.ns > u.ns
}

// Sub returns the duration of t - u, saturating on overflow.
func (t Time) Sub(u Time) time.Duration {
	dur := time.Duration(t.ns - u.ns)
	switch {
	case u.Add(dur) == t:
		return dur
	case t.Before(u):
		return time.Duration(math.MinInt64)
	default:
		return time.Duration(math.MaxInt64)
	}
}

// IsZero returns whether t represents the zero time instant in t's Clock
// domain.
func (t Time) IsZero() bool {
	return t == ZeroTime
}

// String returns the time represented in nanoseconds as a string.
func (t Time) String() string {
	return fmt.Sprintf("%dns", t.ns)
}

// A Clock is an abstract time source.
type Clock interface {
	// Now returns the current time according to the Clock.
	Now() Time
}

// VirtualClock is a Clock that only moves when Advance is called. The
// kernel advances it once per timer tick, so runs are deterministic.
type VirtualClock struct {
	ns atomic.Int64
}

// Now implements Clock.Now.
func (c *VirtualClock) Now() Time {
	return Time{c.ns.Load()}
}

// Advance moves the clock forward by d and returns the new time.
func (c *VirtualClock) Advance(d time.Duration) Time {
	if d < 0 {
		panic(fmt.Sprintf("negative clock advance %v", d))
	}
	return Time{c.ns.Add(d.Nanoseconds())}
}

// RealClock is a Clock measuring host monotonic time since its creation.
type RealClock struct {
	start time.Time
}

// NewRealClock returns a RealClock whose zero time is now.
func NewRealClock() *RealClock {
	return &RealClock{start: time.Now()}
}

// Now implements Clock.Now.
func (c *RealClock) Now() Time {
	return Time{time.Since(c.start).Nanoseconds()}
}
