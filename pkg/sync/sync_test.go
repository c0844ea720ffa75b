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
	"testing"
)

func TestSpinlockExclusion(t *testing.T) {
	var (
		l       Spinlock
		wg      WaitGroup
		counter int
	)
	const goroutines, iters = 8, 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if got, want := counter, goroutines*iters; got != want {
		t.Errorf("counter got %d want %d", got, want)
	}
	if !l.TryLock() {
		t.Fatalf("TryLock on unlocked Spinlock failed")
	}
	if l.TryLock() {
		t.Errorf("TryLock on locked Spinlock succeeded")
	}
	l.Unlock()
}

func TestRWSpinlock(t *testing.T) {
	var (
		l     RWSpinlock
		wg    WaitGroup
		value int
	)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				l.Lock()
				value++
				l.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				l.RLock()
				_ = value
				l.RUnlock()
			}
		}()
	}
	wg.Wait()
	if got, want := value, 2000; got != want {
		t.Errorf("value got %d want %d", got, want)
	}
}

type countingYielder struct {
	n      int
	onCall func(n int)
}

func (c *countingYielder) Yield() {
	c.n++
	if c.onCall != nil {
		c.onCall(c.n)
	}
}

func TestSemaphoreYieldsUntilUp(t *testing.T) {
	y := &countingYielder{}
	s := NewSemaphore(1, y)
	s.Down()
	y.onCall = func(n int) {
		if n == 3 {
			s.Up()
		}
	}
	s.Down()
	if y.n != 3 {
		t.Errorf("yields got %d want 3", y.n)
	}
	if got := s.Count(); got != 0 {
		t.Errorf("Count got %d want 0", got)
	}
}

func TestSemaphoreDownInterruptible(t *testing.T) {
	y := &countingYielder{}
	s := NewSemaphore(0, y)
	polls := 0
	if s.DownInterruptible(func() bool {
		polls++
		return polls > 2
	}) {
		t.Fatalf("DownInterruptible took a unit from an empty semaphore")
	}
	if y.n != 2 {
		t.Errorf("yields got %d want 2", y.n)
	}
	s.Up()
	if !s.DownInterruptible(func() bool { return false }) {
		t.Errorf("DownInterruptible failed with a unit available")
	}
}

func TestBinarySemaphoreAsMutex(t *testing.T) {
	s := NewBinarySemaphore(nil)
	s.Lock()
	if s.TryDown() {
		t.Errorf("TryDown succeeded on a held mutex")
	}
	s.Unlock()
	if !s.TryDown() {
		t.Errorf("TryDown failed on a released mutex")
	}
}

func TestRWSemaphoreWriterWaitsForReaders(t *testing.T) {
	y := &countingYielder{}
	s := NewRWSemaphore(y)
	s.RLock()
	s.RLock()
	y.onCall = func(n int) {
		if n <= 2 {
			s.RUnlock()
		}
	}
	s.Lock()
	if y.n != 2 {
		t.Errorf("yields got %d want 2", y.n)
	}
	if s.tryRLock() {
		t.Errorf("reader admitted while writer holds the lock")
	}
	s.Unlock()
	if !s.tryRLock() {
		t.Errorf("reader refused after writer unlocked")
	}
}
