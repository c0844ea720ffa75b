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

package kernel

import (
	"fmt"
	"runtime"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/log"
)

// Exit asks t to exit with the given status code. The exit syscall calls it
// and then returns CtrlDoExit, so the task exits as soon as the system call
// completes.
func (t *Task) Exit(code int32) {
	t.requestExit(linux.WaitStatusExit(code))
}

// doExit tears t down and hands the CPU to the next READY task. It does not
// return.
//
// t's children are orphaned and t becomes a zombie in its parent's child
// list, which is sent SIGCHLD. t's descriptors, address space and libraries
// are released, and t is unlinked from the TaskSet. Its control block is
// freed by a later scheduler pass.
//
// Preconditions: t is running and not in a system call.
func (t *Task) doExit() {
	if t.inSyscall {
		panic(fmt.Sprintf("%v exiting inside a system call", t))
	}
	k := t.k
	status := t.exitStatus
	if !t.exitRequested {
		status = linux.WaitStatusExit(0)
	}
	k.schedDisabled++

	t.orphanChildren()
	hadParent := t.notifyParent(status)
	t.releaseResources(t)

	k.cpu.DisableInterrupts()
	k.tasks.mu.Lock()
	t.schedPos = k.tasks.positionLocked(t)
	k.tasks.mu.Unlock()
	k.tasks.unlink(t)
	k.cpu.EnableInterrupts()
	if !hadParent {
		// Nobody can wait for t.
		k.tasks.releasePID(t.pid)
	}

	t.state = TaskDead
	k.recordExit(ExitRecord{PID: t.pid, Name: t.name, Status: status, Time: k.clock.Now()})
	tasksExitedMetric.Increment()
	k.reapQueue = append(k.reapQueue, t)
	if status.Signaled() {
		t.Infof("Exited, killed by %v", status.TerminationSignal())
	} else {
		t.Debugf("Exited with status %d", status.ExitStatus())
	}

	k.schedDisabled--
	k.schedDeferred = false
	k.processHostRequests()

	if k.tasks.Len() == 0 {
		log.Infof("Last task exited")
		k.halt(nil)
		runtime.Goexit()
	}
	next := k.pickNext(t)
	if next == nil {
		k.noRunnableTask(t)
	}
	k.contextSwitch(t, next)
	runtime.Goexit()
}

// orphanChildren detaches t's children. Live children lose their parent;
// zombies are discarded and their IDs released.
func (t *Task) orphanChildren() {
	for _, c := range t.children {
		if c.task != nil {
			c.task.parent = nil
		} else {
			t.k.tasks.releasePID(c.pid)
		}
	}
	t.children = nil
}

// notifyParent turns t's entry in its parent's child list into a zombie
// holding status and sends the parent SIGCHLD, unless the parent ignores
// SIGCHLD or set SA_NOCLDWAIT. It returns false if t has no parent.
func (t *Task) notifyParent(status linux.WaitStatus) bool {
	p := t.parent
	if p == nil {
		return false
	}
	for i := range p.children {
		if c := &p.children[i]; c.task == t {
			c.task = nil
			c.status = status
			break
		}
	}
	t.parent = nil
	act := p.handlers[linux.SIGCHLD]
	if act.Handler != linux.SIG_IGN && act.Flags&linux.SA_NOCLDWAIT == 0 {
		p.SendSignal(linux.SIGCHLD)
	}
	return true
}

// free releases what remains of the control block of an exited task.
//
// Preconditions: t is dead and is not the current task.
func (t *Task) free() {
	t.ac = nil
	t.frames = nil
	t.children = nil
	t.runState = nil
	t.freed = true
}
