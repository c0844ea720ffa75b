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
)

// Yielder gives up the CPU so that other tasks can run. The kernel's
// scheduler implements it; a blocked task calls Yield once per failed
// attempt and re-checks its condition when it is next scheduled.
type Yielder interface {
	Yield()
}

// YielderFunc adapts a function to the Yielder interface.
type YielderFunc func()

// Yield implements Yielder.Yield.
func (f YielderFunc) Yield() { f() }

// hostYield is used when no scheduler is attached, so that the primitives
// can be exercised from ordinary goroutines.
var hostYield = YielderFunc(runtime.Gosched)

func yielderOrHost(y Yielder) Yielder {
	if y == nil {
		return hostYield
	}
	return y
}

// Semaphore is a counting semaphore whose waiters do not sleep on a queue.
// A task that cannot take a unit yields and retries, so it keeps its slot in
// the round-robin order like any runnable task.
//
// The count is protected by a Spinlock; it is never held across a yield.
type Semaphore struct {
	mu    Spinlock
	count int
	y     Yielder
}

// NewSemaphore returns a semaphore holding count units. Waiters yield through
// y; a nil y yields the host goroutine.
func NewSemaphore(count int, y Yielder) *Semaphore {
	return &Semaphore{count: count, y: yielderOrHost(y)}
}

// NewBinarySemaphore returns a semaphore with one unit, usable as a mutex
// through Lock and Unlock.
func NewBinarySemaphore(y Yielder) *Semaphore {
	return NewSemaphore(1, y)
}

// TryDown takes one unit if one is available.
func (s *Semaphore) TryDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Down takes one unit, yielding until one is available.
func (s *Semaphore) Down() {
	for !s.TryDown() {
		s.y.Yield()
	}
}

// DownInterruptible takes one unit like Down, but polls stop before every
// attempt and gives up as soon as it returns true. It reports whether the
// unit was taken.
func (s *Semaphore) DownInterruptible(stop func() bool) bool {
	for {
		if stop != nil && stop() {
			return false
		}
		if s.TryDown() {
			return true
		}
		s.y.Yield()
	}
}

// Up returns one unit.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

// Count returns the number of available units.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Lock is Down, for semaphores used as mutexes.
func (s *Semaphore) Lock() { s.Down() }

// Unlock is Up, for semaphores used as mutexes.
func (s *Semaphore) Unlock() { s.Up() }

// RWSemaphore is the cooperative reader/writer lock. Readers are unlimited;
// a writer announces itself, which holds off new readers, and yields until
// the active readers leave.
type RWSemaphore struct {
	mu      Spinlock
	readers int
	writer  bool
	y       Yielder
}

// NewRWSemaphore returns an unlocked RWSemaphore whose waiters yield through
// y.
func NewRWSemaphore(y Yielder) *RWSemaphore {
	return &RWSemaphore{y: yielderOrHost(y)}
}

func (s *RWSemaphore) tryRLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer {
		return false
	}
	s.readers++
	return true
}

// RLock locks s for reading.
func (s *RWSemaphore) RLock() {
	for !s.tryRLock() {
		s.y.Yield()
	}
}

// RUnlock undoes a single RLock call.
func (s *RWSemaphore) RUnlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readers == 0 {
		panic("RUnlock of unlocked RWSemaphore")
	}
	s.readers--
}

// Lock locks s for writing.
func (s *RWSemaphore) Lock() {
	for {
		s.mu.Lock()
		if !s.writer {
			s.writer = true
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		s.y.Yield()
	}
	for {
		s.mu.Lock()
		drained := s.readers == 0
		s.mu.Unlock()
		if drained {
			return
		}
		s.y.Yield()
	}
}

// Unlock unlocks s for writing.
func (s *RWSemaphore) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writer {
		panic("Unlock of unlocked RWSemaphore")
	}
	s.writer = false
}
