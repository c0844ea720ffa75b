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
	"runtime"

	"kcore.dev/kcore/pkg/log"
)

// Yield gives the CPU to the next READY task, if any. Tasks waiting for a
// condition call Yield once per failed check. Each call counts as one idle
// timer tick, so that a system whose tasks all wait still advances its
// clock.
//
// Preconditions: The caller is running on t's task goroutine and holds the
// CPU.
func (t *Task) Yield() {
	t.k.advanceClock(1)
	t.k.schedule(t)
}

// DisableScheduling defers rescheduling until the matching
// EnableScheduling. Calls nest.
func (t *Task) DisableScheduling() {
	t.k.schedDisabled++
}

// EnableScheduling undoes one DisableScheduling. If a reschedule was
// requested while scheduling was disabled, it happens now.
func (t *Task) EnableScheduling() {
	k := t.k
	k.schedDisabled--
	if k.schedDisabled < 0 {
		panic("unbalanced EnableScheduling")
	}
	if k.schedDisabled == 0 && k.schedDeferred {
		k.schedDeferred = false
		k.schedule(t)
	}
}

// schedule is the scheduler pass, run on a timer tick or a voluntary yield
// by the task cur holding the CPU.
//
// It first frees exited tasks and carries out host requests. Unless
// scheduling is disabled, it then either runs cur's pending termination or
// hands the CPU to the next READY task after cur in registration order.
// If no task is READY, cur keeps the CPU if it can; if it cannot, the
// kernel halts with ErrNoRunnableTask.
//
// schedule does not return if cur exits or the kernel halts.
func (k *Kernel) schedule(cur *Task) {
	if k.Halted() {
		runtime.Goexit()
	}
	k.reap()
	k.processHostRequests()

	if k.schedDisabled > 0 {
		k.schedDeferred = true
		return
	}
	if cur.exitRequested && !cur.inSyscall {
		cur.doExit()
	}

	next := k.pickNext(cur)
	if next == nil {
		if cur.state == TaskRunning {
			// Any deliverable signal is dispatched when cur returns to
			// user mode.
			k.contextSwitch(cur, cur)
			return
		}
		k.noRunnableTask(cur)
	}
	k.contextSwitch(cur, next)
}

// pickNext returns the first READY task after cur in round-robin order, or
// nil.
func (k *Kernel) pickNext(cur *Task) *Task {
	ts := k.tasks
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pos := ts.positionLocked(cur)
	if pos < 0 {
		// cur has been unlinked; continue from where it was.
		pos = cur.schedPos - 1
	}
	return ts.nextReadyLocked(pos, cur)
}

// noRunnableTask halts the kernel after the scheduler found that cur cannot
// continue and no other task is READY. It does not return.
func (k *Kernel) noRunnableTask(cur *Task) {
	var states []string
	for _, t := range k.tasks.Tasks() {
		states = append(states, t.String()+":"+t.state.String())
	}
	log.Warningf("No runnable task: %v is %v and no task is ready; tasks %v", cur, cur.state, states)
	k.halt(ErrNoRunnableTask)
	runtime.Goexit()
}

// contextSwitch hands the CPU from the task from to the task to. from is nil
// when the kernel starts; it is dead when from has exited. Otherwise,
// contextSwitch returns on from's goroutine when from is next given the
// CPU.
//
// A task that has never run is started on a new goroutine.
func (k *Kernel) contextSwitch(from, to *Task) {
	if from == to {
		return
	}
	k.cpu.DisableInterrupts()
	park := from != nil && from.state != TaskDead
	if from != nil {
		if from.ac != nil && from.ac.FPUUsed {
			k.cpu.SaveFPU(from.ac)
		}
		if from.state == TaskRunning {
			from.state = TaskReady
		}
	}
	k.current = to
	k.activeMM = to.mm
	to.state = TaskRunning
	contextSwitchesMetric.Increment()

	// The receiving side re-enables interrupts once it holds the CPU.
	if to.started {
		to.wake <- struct{}{}
	} else {
		to.started = true
		k.goroutines.Add(1)
		go to.run()
	}
	if !park {
		return
	}
	select {
	case <-from.wake:
	case <-k.stopped:
		runtime.Goexit()
	}
	k.cpu.EnableInterrupts()
}

// reap frees the control blocks of exited tasks that are no longer the
// active context.
func (k *Kernel) reap() {
	q := k.reapQueue[:0]
	for _, t := range k.reapQueue {
		if t == k.current {
			q = append(q, t)
			continue
		}
		t.free()
	}
	k.reapQueue = q
}
