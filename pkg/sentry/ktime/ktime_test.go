// Copyright 2025 The gVisor Authors.
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

package ktime

import (
	"math"
	"testing"
	"time"
)

func TestVirtualClock(t *testing.T) {
	var c VirtualClock
	if !c.Now().IsZero() {
		t.Fatalf("new clock got %v want zero", c.Now())
	}
	c.Advance(10 * time.Millisecond)
	if got, want := c.Advance(5*time.Millisecond), FromNanoseconds(15e6); got != want {
		t.Errorf("Advance got %v want %v", got, want)
	}
	if got := c.Now().Sub(ZeroTime); got != 15*time.Millisecond {
		t.Errorf("Sub got %v want 15ms", got)
	}
}

func TestAddSaturates(t *testing.T) {
	if got := FromSeconds(1).Add(time.Duration(math.MaxInt64)); got != MaxTime {
		t.Errorf("Add overflow got %v want MaxTime", got)
	}
	if got := FromSeconds(math.MaxInt64); got != MaxTime {
		t.Errorf("FromSeconds overflow got %v want MaxTime", got)
	}
	if got, want := FromSeconds(3).Seconds(), int64(3); got != want {
		t.Errorf("Seconds got %d want %d", got, want)
	}
}

func TestRealClockMonotonic(t *testing.T) {
	c := NewRealClock()
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Errorf("RealClock went backwards: %v then %v", a, b)
	}
}
