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

package sync

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a busy-waiting mutual exclusion lock. It never yields the CPU
// to another task, so it may be held only for short sections that do not
// block, such as the task registry's scan.
//
// The zero value is unlocked.
type Spinlock struct {
	locked atomic.Bool
}

// Lock locks l, spinning until it is available.
func (l *Spinlock) Lock() {
	for !l.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock tries to lock l and reports whether it succeeded.
func (l *Spinlock) TryLock() bool {
	return l.locked.CompareAndSwap(false, true)
}

// Unlock unlocks l.
//
// Preconditions: l is locked.
func (l *Spinlock) Unlock() {
	if !l.locked.CompareAndSwap(true, false) {
		panic("Unlock of unlocked Spinlock")
	}
}

// RWSpinlock is a busy-waiting reader/writer lock. Any number of readers may
// hold it at once. A writer first claims the writer bit, which stops new
// readers, and then spins until the reader count drains to zero.
//
// The zero value is unlocked.
type RWSpinlock struct {
	writer  atomic.Bool
	readers atomic.Int32
}

// RLock locks l for reading.
func (l *RWSpinlock) RLock() {
	for {
		for l.writer.Load() {
			runtime.Gosched()
		}
		l.readers.Add(1)
		if !l.writer.Load() {
			return
		}
		// A writer slipped in; back off and let it drain us.
		l.readers.Add(-1)
	}
}

// RUnlock undoes a single RLock call.
func (l *RWSpinlock) RUnlock() {
	if l.readers.Add(-1) < 0 {
		panic("RUnlock of unlocked RWSpinlock")
	}
}

// Lock locks l for writing.
func (l *RWSpinlock) Lock() {
	for !l.writer.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	for l.readers.Load() != 0 {
		runtime.Gosched()
	}
}

// Unlock unlocks l for writing.
func (l *RWSpinlock) Unlock() {
	if !l.writer.CompareAndSwap(true, false) {
		panic("Unlock of unlocked RWSpinlock")
	}
}
