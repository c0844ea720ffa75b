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

package kernel

import (
	"fmt"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sync"
)

// DefaultTasksLimit is the default maximum number of live tasks.
const DefaultTasksLimit = 1024

// PIDMax is one more than the largest thread ID. IDs are handed out in
// increasing order and wrap around, skipping IDs still in use.
const PIDMax = 32768

// InitTID is the ID given to the first task.
const InitTID ThreadID = 1

// ThreadID is a task identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// taskSlot is an entry of the TaskSet arena.
type taskSlot struct {
	// gen is incremented every time the slot is reused.
	gen  uint32
	task *Task
}

// taskHandle names a slot of the TaskSet arena. It is stale once the slot's
// generation has moved on.
type taskHandle struct {
	idx int
	gen uint32
}

// A TaskSet comprises all tasks in a system.
//
// Tasks live in a generation-indexed arena. The registration order, which
// is also the scheduler's round-robin order, is kept separately.
type TaskSet struct {
	// mu protects all fields. It is a cooperative lock that is never held
	// across a context switch.
	mu *sync.Semaphore

	slots []taskSlot
	free  []int

	// order lists the handles of live tasks in registration order.
	order []taskHandle

	// pids maps live tasks' IDs to their slots.
	pids map[ThreadID]int

	// reserved contains IDs that are allocated: live tasks, tasks being
	// created and zombies whose status has not been collected.
	reserved map[ThreadID]struct{}

	// live is the number of tasks counted against limit: registered tasks
	// and tasks being created.
	live  int
	limit int

	// last is the most recently allocated ID.
	last ThreadID
}

func newTaskSet(limit int) *TaskSet {
	return &TaskSet{
		mu:       sync.NewBinarySemaphore(nil),
		pids:     make(map[ThreadID]int),
		reserved: make(map[ThreadID]struct{}),
		limit:    limit,
	}
}

// vendPID allocates an ID for a task being created. It fails with EAGAIN if
// the live task limit is reached or no ID is free.
func (ts *TaskSet) vendPID() (ThreadID, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.live >= ts.limit || len(ts.reserved) >= PIDMax-1 {
		return 0, linuxerr.EAGAIN
	}
	tid := ts.last
	for {
		tid++
		if tid >= PIDMax {
			tid = InitTID
		}
		if _, ok := ts.reserved[tid]; !ok {
			break
		}
	}
	ts.last = tid
	ts.reserved[tid] = struct{}{}
	ts.live++
	return tid, nil
}

// abandonPID releases an ID allocated by vendPID for a task that was never
// registered.
func (ts *TaskSet) abandonPID(tid ThreadID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.reserved, tid)
	ts.live--
}

// releasePID releases the ID of a task whose status has been collected or
// that exited with no parent to collect it.
func (ts *TaskSet) releasePID(tid ThreadID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.pids[tid]; ok {
		panic(fmt.Sprintf("releasing ID %d of a registered task", tid))
	}
	delete(ts.reserved, tid)
}

// register adds t, whose ID was allocated by vendPID, to the end of the
// registration order.
func (ts *TaskSet) register(t *Task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var idx int
	if n := len(ts.free); n > 0 {
		idx = ts.free[n-1]
		ts.free = ts.free[:n-1]
	} else {
		idx = len(ts.slots)
		ts.slots = append(ts.slots, taskSlot{})
	}
	s := &ts.slots[idx]
	s.gen++
	s.task = t
	t.handle = taskHandle{idx: idx, gen: s.gen}
	ts.order = append(ts.order, t.handle)
	ts.pids[t.pid] = idx
}

// unlink removes t from the registry. Its ID stays reserved until
// releasePID.
func (ts *TaskSet) unlink(t *Task) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	s := ts.lookupLocked(t.handle)
	if s == nil || s.task != t {
		panic(fmt.Sprintf("unlinking unregistered task %v", t))
	}
	for i, h := range ts.order {
		if h == t.handle {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	s.task = nil
	ts.free = append(ts.free, t.handle.idx)
	delete(ts.pids, t.pid)
	ts.live--
}

// lookupLocked returns the slot named by h, or nil if h is stale.
//
// Preconditions: ts.mu is locked.
func (ts *TaskSet) lookupLocked(h taskHandle) *taskSlot {
	if h.idx < 0 || h.idx >= len(ts.slots) {
		return nil
	}
	s := &ts.slots[h.idx]
	if s.gen != h.gen || s.task == nil {
		return nil
	}
	return s
}

// TaskWithID returns the live task with the given ID, or nil.
func (ts *TaskSet) TaskWithID(tid ThreadID) *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	idx, ok := ts.pids[tid]
	if !ok {
		return nil
	}
	return ts.slots[idx].task
}

// Tasks returns a snapshot of the live tasks in registration order.
func (ts *TaskSet) Tasks() []*Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tasks := make([]*Task, 0, len(ts.order))
	for _, h := range ts.order {
		tasks = append(tasks, ts.slots[h.idx].task)
	}
	return tasks
}

// Len returns the number of registered tasks.
func (ts *TaskSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.order)
}

// firstReady returns the first READY task in registration order.
func (ts *TaskSet) firstReady() *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, h := range ts.order {
		if t := ts.slots[h.idx].task; t.state == TaskReady {
			return t
		}
	}
	return nil
}

// positionLocked returns the index of t in the registration order, or -1.
//
// Preconditions: ts.mu is locked.
func (ts *TaskSet) positionLocked(t *Task) int {
	for i, h := range ts.order {
		if h == t.handle {
			return i
		}
	}
	return -1
}

// nextReadyLocked scans the registration order circularly, starting just after
// position pos, for a READY task other than skip. A negative pos starts the
// scan at the beginning.
//
// Preconditions: ts.mu is locked.
func (ts *TaskSet) nextReadyLocked(pos int, skip *Task) *Task {
	n := len(ts.order)
	if n == 0 {
		return nil
	}
	if pos < 0 || pos >= n {
		pos = n - 1
	}
	for i := 1; i <= n; i++ {
		t := ts.slots[ts.order[(pos+i)%n].idx].task
		if t != skip && t.state == TaskReady {
			return t
		}
	}
	return nil
}
