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

// Package kernel provides an emulation of a uniprocessor kernel: the task
// registry, the scheduler, process lifecycle and signal delivery.
//
// Each task runs on its own goroutine, its "kernel stack". Exactly one task
// goroutine holds the CPU at a time; the others are parked in
// Kernel.contextSwitch waiting for the CPU to be handed back to them. Kernel
// code is never preempted: the CPU changes hands only when the running task
// calls into the scheduler, either at a trap boundary (timer tick, system
// call, fault) or by yielding while it waits for a condition.
//
// Lock order:
//
//	TaskSet.mu
//	  mm.MemoryManager.mu
//	    pgalloc.MemoryFile.mu
//
//	Kernel.hostMu is a leaf lock.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sentry/ktime"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/mm"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/platform/interp"
	"kcore.dev/kcore/pkg/sentry/vfs"
	"kcore.dev/kcore/pkg/sync"
)

// DefaultTickDuration is the time a timer tick advances a virtual clock by.
const DefaultTickDuration = 10 * time.Millisecond

// ErrNoRunnableTask is returned by Kernel.Run when tasks remain but none of
// them can run.
var ErrNoRunnableTask = errors.New("scheduler invariant violated: no runnable task")

var (
	contextSwitchesMetric = metric.MustCreateNewUint64Metric("kcore_kernel_context_switches_total",
		"Number of context switches between tasks.")
	tasksCreatedMetric = metric.MustCreateNewUint64Metric("kcore_kernel_tasks_created_total",
		"Number of tasks created, by origin.",
		metric.NewField("origin", "load", "fork"))
	tasksExitedMetric = metric.MustCreateNewUint64Metric("kcore_kernel_tasks_exited_total",
		"Number of tasks that exited.")
	execsMetric = metric.MustCreateNewUint64Metric("kcore_kernel_execs_total",
		"Number of successful execve calls.")
)

// ExitRecord describes a task that has exited.
type ExitRecord struct {
	PID    ThreadID
	Name   string
	Status linux.WaitStatus
	Time   ktime.Time
}

// String implements fmt.Stringer.String.
func (r ExitRecord) String() string {
	if r.Status.Signaled() {
		return fmt.Sprintf("%s[%d] killed by %v", r.Name, r.PID, r.Status.TerminationSignal())
	}
	return fmt.Sprintf("%s[%d] exited with status %d", r.Name, r.PID, r.Status.ExitStatus())
}

// hostRequest is an operation requested from outside any task. Requests are
// carried out by the task holding the CPU at its next trap boundary or
// scheduler pass.
type hostRequest struct {
	pid ThreadID

	// sig, if not zero, is sent to pid.
	sig linux.Signal

	// If terminate is true, pid is asked to exit with status.
	terminate bool
	status    linux.WaitStatus
}

// Kernel represents an emulated kernel. It must be initialized by calling
// Init.
type Kernel struct {
	mf       *pgalloc.MemoryFile
	vfs      *vfs.VirtualFilesystem
	loader   *loader.Loader
	cpu      *interp.CPU
	clock    ktime.Clock
	tick     time.Duration
	syscalls *SyscallTable

	// stdio are the descriptors given to tasks loaded without a parent.
	// The Kernel holds a reference on each non-nil entry.
	stdio [3]*vfs.FileDescription

	// yielder yields the CPU on behalf of the running task. It is handed to
	// the cooperative locks of address spaces.
	yielder sync.Yielder

	tasks *TaskSet

	// The following fields are scheduler state, used only by the task
	// holding the CPU (or by Run before any task runs).

	// current is the task holding the CPU.
	current *Task

	// activeMM is the address space installed on the CPU.
	activeMM *mm.MemoryManager

	// schedDisabled is the DisableScheduling nesting depth. schedDeferred
	// records that a reschedule was requested while it was non-zero.
	schedDisabled int
	schedDeferred bool

	// reapQueue holds exited tasks whose remaining state is freed by the
	// next scheduler pass that does not run on their goroutine.
	reapQueue []*Task

	// hostMu protects hostReqs.
	hostMu   sync.Mutex
	hostReqs []hostRequest

	// stopped is closed when the kernel halts. stopErr is the reason,
	// valid once stopped is closed.
	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error

	// goroutines counts live task goroutines.
	goroutines sync.WaitGroup

	// exitMu protects exits.
	exitMu sync.Mutex
	exits  []ExitRecord
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// MemoryFile provides physical frames. Required.
	MemoryFile *pgalloc.MemoryFile

	// VFS resolves program and file paths. Required.
	VFS *vfs.VirtualFilesystem

	// SyscallTable is the system call table used by all tasks. Required.
	SyscallTable *SyscallTable

	// LibDir is the directory searched for shared libraries.
	LibDir string

	// Quantum is the number of user instructions between timer ticks. Zero
	// selects interp.DefaultQuantum.
	Quantum uint64

	// Clock is the kernel clock. If nil, a ktime.VirtualClock is used.
	Clock ktime.Clock

	// TickDuration is the amount a virtual clock advances per timer tick.
	// Zero selects DefaultTickDuration.
	TickDuration time.Duration

	// TasksLimit bounds the number of live tasks. Zero selects
	// DefaultTasksLimit.
	TasksLimit int

	// Stdio are the standard descriptors of tasks loaded without a parent.
	// Init takes ownership of the references.
	Stdio [3]*vfs.FileDescription
}

// Init initializes the Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.MemoryFile == nil {
		return fmt.Errorf("MemoryFile is nil")
	}
	if args.VFS == nil {
		return fmt.Errorf("VFS is nil")
	}
	if args.SyscallTable == nil {
		return fmt.Errorf("SyscallTable is nil")
	}
	if args.TickDuration < 0 {
		return fmt.Errorf("invalid tick duration %v", args.TickDuration)
	}
	k.mf = args.MemoryFile
	k.vfs = args.VFS
	k.syscalls = args.SyscallTable
	k.loader = loader.New(args.VFS, args.MemoryFile, args.LibDir)
	k.cpu = interp.New(args.Quantum)
	k.clock = args.Clock
	if k.clock == nil {
		k.clock = &ktime.VirtualClock{}
	}
	k.tick = args.TickDuration
	if k.tick == 0 {
		k.tick = DefaultTickDuration
	}
	limit := args.TasksLimit
	if limit <= 0 {
		limit = DefaultTasksLimit
	}
	k.tasks = newTaskSet(limit)
	k.stdio = args.Stdio
	k.yielder = sync.YielderFunc(k.yieldCurrent)
	k.stopped = make(chan struct{})
	return nil
}

// MemoryFile returns the frame allocator.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// VFS returns the virtual filesystem.
func (k *Kernel) VFS() *vfs.VirtualFilesystem {
	return k.vfs
}

// Loader returns the program loader.
func (k *Kernel) Loader() *loader.Loader {
	return k.loader
}

// CPU returns the CPU tasks run on.
func (k *Kernel) CPU() *interp.CPU {
	return k.cpu
}

// Clock returns the kernel clock.
func (k *Kernel) Clock() ktime.Clock {
	return k.clock
}

// TaskSet returns the task registry.
func (k *Kernel) TaskSet() *TaskSet {
	return k.tasks
}

// SyscallTable returns the system call table.
func (k *Kernel) SyscallTable() *SyscallTable {
	return k.syscalls
}

// Run runs tasks until none remain, the scheduler finds nothing it can run,
// or ctx is done. At least one task must have been loaded. Run returns nil
// if the kernel halted because every task exited.
func (k *Kernel) Run(ctx context.Context) error {
	first := k.tasks.firstReady()
	if first == nil {
		return fmt.Errorf("no task to run")
	}
	go func() {
		select {
		case <-ctx.Done():
			k.halt(ctx.Err())
			k.cpu.Interrupt()
		case <-k.stopped:
		}
	}()

	log.Infof("Starting kernel with %d task(s), first %v", k.tasks.Len(), first)
	k.contextSwitch(nil, first)
	<-k.stopped
	k.goroutines.Wait()
	k.releaseRemaining()
	if k.stopErr != nil {
		log.Warningf("Kernel halted: %v", k.stopErr)
	} else {
		log.Infof("Kernel halted: all tasks exited")
	}
	return k.stopErr
}

// halt stops the kernel. The first call's err is returned by Run.
func (k *Kernel) halt(err error) {
	k.stopOnce.Do(func() {
		k.stopErr = err
		close(k.stopped)
	})
}

// Halted returns true if the kernel has stopped.
func (k *Kernel) Halted() bool {
	select {
	case <-k.stopped:
		return true
	default:
		return false
	}
}

// releaseRemaining frees the resources of tasks still registered after a
// halt.
//
// Preconditions: All task goroutines have exited.
func (k *Kernel) releaseRemaining() {
	ctx := context.Background()
	for _, t := range k.tasks.Tasks() {
		t.releaseResources(ctx)
		k.tasks.unlink(t)
	}
	k.reapQueue = nil
	for i, fd := range k.stdio {
		if fd != nil {
			fd.DecRef(ctx)
			k.stdio[i] = nil
		}
	}
}

// Kill sends sig to the task with the given pid. It may be called from any
// goroutine; the signal is sent by the task holding the CPU at its next trap
// boundary. Unknown pids are reported in the log.
func (k *Kernel) Kill(pid ThreadID, sig linux.Signal) error {
	if !sig.IsValid() {
		return linuxerr.EINVAL
	}
	k.queueHostRequest(hostRequest{pid: pid, sig: sig})
	return nil
}

// Terminate asks the task with the given pid to exit with the given status.
// It may be called from any goroutine. A task inside a system call exits
// once the system call completes.
func (k *Kernel) Terminate(pid ThreadID, status int32) {
	k.queueHostRequest(hostRequest{pid: pid, terminate: true, status: linux.WaitStatusExit(status)})
}

func (k *Kernel) queueHostRequest(r hostRequest) {
	k.hostMu.Lock()
	k.hostReqs = append(k.hostReqs, r)
	k.hostMu.Unlock()
	k.cpu.Interrupt()
}

// processHostRequests carries out queued host requests.
//
// Preconditions: The caller holds the CPU.
func (k *Kernel) processHostRequests() {
	k.hostMu.Lock()
	reqs := k.hostReqs
	k.hostReqs = nil
	k.hostMu.Unlock()

	for _, r := range reqs {
		t := k.tasks.TaskWithID(r.pid)
		if t == nil {
			log.Infof("Host request for pid %d: no such task", r.pid)
			continue
		}
		if r.terminate {
			t.requestExit(r.status)
		}
		if r.sig != 0 {
			log.Infof("Host sends %v to %v", r.sig, t)
			t.SendSignal(r.sig)
		}
	}
}

// ExitRecords returns the tasks that have exited, in exit order.
func (k *Kernel) ExitRecords() []ExitRecord {
	k.exitMu.Lock()
	defer k.exitMu.Unlock()
	return append([]ExitRecord(nil), k.exits...)
}

func (k *Kernel) recordExit(r ExitRecord) {
	k.exitMu.Lock()
	k.exits = append(k.exits, r)
	k.exitMu.Unlock()
}

// yieldCurrent implements sync.Yielder for locks held by kernel code.
func (k *Kernel) yieldCurrent() {
	if t := k.current; t != nil && !k.Halted() {
		t.Yield()
		return
	}
	runtime.Gosched()
}

// advanceClock advances a virtual clock by n ticks.
func (k *Kernel) advanceClock(n uint64) {
	if vc, ok := k.clock.(*ktime.VirtualClock); ok && n > 0 {
		vc.Advance(time.Duration(n) * k.tick)
	}
}
