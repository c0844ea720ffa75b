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
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/ktime"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/mm"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

// TaskState is the scheduling state of a task.
type TaskState int

const (
	// TaskUnloaded is the state of a task whose control block is being
	// built.
	TaskUnloaded TaskState = iota

	// TaskSuspended is the state of a built task that may not run yet.
	TaskSuspended

	// TaskReady is the state of a task waiting for the CPU.
	TaskReady

	// TaskRunning is the state of the task holding the CPU.
	TaskRunning

	// TaskStopped is the state of a task stopped by a signal, until it
	// receives SIGCONT or SIGKILL.
	TaskStopped

	// TaskDead is the state of a task that has exited.
	TaskDead
)

// String implements fmt.Stringer.String.
func (s TaskState) String() string {
	switch s {
	case TaskUnloaded:
		return "unloaded"
	case TaskSuspended:
		return "suspended"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskStopped:
		return "stopped"
	case TaskDead:
		return "dead"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// childEntry is a task's record of one of its children. A nil task marks a
// zombie: the child has exited and status holds its wait status.
type childEntry struct {
	pid    ThreadID
	task   *Task
	status linux.WaitStatus
}

// Task represents a process: the unit of scheduling.
//
// Unless noted otherwise, Task fields are used only by the task holding the
// CPU. Since only one task runs at a time, this needs no further locking.
type Task struct {
	k *Kernel

	// pid is the task's ID. Immutable.
	pid ThreadID

	// handle names t's slot in the TaskSet arena.
	handle taskHandle

	// schedPos is t's position in the registration order when it was
	// unlinked, used to continue the round-robin scan after it exits.
	schedPos int

	// name is the base name of the running program.
	name string

	state TaskState

	// started is true once t's goroutine has been created.
	started bool

	// wake hands the CPU to t's parked goroutine.
	wake chan struct{}

	// runState is the state of t's run loop.
	runState taskRunState

	// ac is the saved user register context.
	ac *arch.Context

	// entry is the program entry point.
	entry hostarch.Addr

	// mm is t's address space. t holds one user reference.
	mm *mm.MemoryManager

	// fdTable is t's descriptor table. t holds one reference.
	fdTable *FDTable

	// libraries are the shared libraries linked into mm. t holds a
	// reference on each.
	libraries []*loader.Library

	// cwd is the working directory used to resolve relative paths.
	cwd string

	// parent is a weak reference to the parent task. It is nil for tasks
	// loaded by the host and for orphans.
	parent *Task

	// children records t's live and zombie children in creation order.
	children []childEntry

	// Signal state. See task_signals.go.
	pendingSignals linux.SignalSet
	signalMask     linux.SignalSet
	handlers       [linux.SignalMaximum + 1]linux.SigAction

	// handling contains the signals whose handlers are running.
	handling linux.SignalSet

	// frames are the contexts interrupted by running signal handlers,
	// innermost last.
	frames []signalFrame

	// If haveSavedSignalMask is true, savedSignalMask is restored the next
	// time t returns to user mode. sigsuspend uses it to restore the
	// caller's mask after its temporary mask admits a signal.
	savedSignalMask     linux.SignalSet
	haveSavedSignalMask bool

	// sigsuspendWaiting is set while t waits in sigsuspend, until the
	// admitted signal's handler returns.
	sigsuspendWaiting bool

	// alarm is the deadline of the pending alarm, or zero.
	alarm ktime.Time

	// inSyscall is true while t executes a system call.
	inSyscall bool

	// exitRequested is set when t must exit with exitStatus at its next
	// safe point.
	exitRequested bool
	exitStatus    linux.WaitStatus

	// freed is set once a scheduler pass has released t's control block.
	freed bool
}

// Kernel returns the kernel containing t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns t's ID.
func (t *Task) ThreadID() ThreadID {
	return t.pid
}

// Name returns the base name of the program t runs.
func (t *Task) Name() string {
	return t.name
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.name, t.pid)
}

// State returns t's scheduling state.
func (t *Task) State() TaskState {
	return t.state
}

// Arch returns t's saved register context.
func (t *Task) Arch() *arch.Context {
	return t.ac
}

// MemoryManager returns t's address space.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.mm
}

// FDTable returns t's descriptor table.
func (t *Task) FDTable() *FDTable {
	return t.fdTable
}

// Libraries returns the shared libraries linked into t's address space.
func (t *Task) Libraries() []*loader.Library {
	return append([]*loader.Library(nil), t.libraries...)
}

// WorkingDirectory returns t's working directory.
func (t *Task) WorkingDirectory() string {
	return t.cwd
}

// Parent returns t's parent, or nil if it has none.
func (t *Task) Parent() *Task {
	return t.parent
}

// InSyscall returns true if t is executing a system call.
func (t *Task) InSyscall() bool {
	return t.inSyscall
}

// GetFile returns a reference to the file installed at fd, or nil.
//
// N.B. Callers are required to use DecRef when they are done.
func (t *Task) GetFile(fd int32) *vfs.FileDescription {
	f, _ := t.fdTable.Get(fd)
	return f
}

// NewFDFrom installs file at the lowest free descriptor not below fd.
func (t *Task) NewFDFrom(fd int32, file *vfs.FileDescription, flags FDFlags) (int32, error) {
	fds, err := t.fdTable.NewFDs(t, fd, []*vfs.FileDescription{file}, flags)
	if err != nil {
		return -1, err
	}
	return fds[0], nil
}

// Children returns the IDs of t's children, including zombies.
func (t *Task) Children() []ThreadID {
	pids := make([]ThreadID, 0, len(t.children))
	for _, c := range t.children {
		pids = append(pids, c.pid)
	}
	return pids
}

// newTask returns an unloaded task with the given ID.
func (k *Kernel) newTask(pid ThreadID, name string) *Task {
	return &Task{
		k:     k,
		pid:   pid,
		name:  name,
		state: TaskUnloaded,
		wake:  make(chan struct{}, 1),
	}
}

// addChild records child as a child of t.
func (t *Task) addChild(child *Task) {
	child.parent = t
	t.children = append(t.children, childEntry{pid: child.pid, task: child})
}

// releaseResources drops t's descriptors, address space and libraries.
func (t *Task) releaseResources(ctx context.Context) {
	if t.fdTable != nil {
		t.fdTable.DecRef(ctx)
		t.fdTable = nil
	}
	if t.mm != nil {
		t.mm.DecUsers(ctx)
		t.mm = nil
	}
	loader.ReleaseLibraries(t.libraries)
	t.libraries = nil
}
