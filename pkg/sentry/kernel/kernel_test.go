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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/fsimpl/memfs"
	"kcore.dev/kcore/pkg/sentry/loader/asm"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

// sysTrace records its caller's ID in the test kernel's trace.
const sysTrace = 2000

// sysSlow is a system call that is asked to terminate its caller while it
// runs.
const sysSlow = 2001

// sysPinned traces its caller three times, yielding after each, with
// scheduling disabled.
const sysPinned = 2002

type testKernel struct {
	*Kernel
	fs *memfs.Filesystem

	// trace holds the IDs recorded by sysTrace, in call order.
	trace []ThreadID

	// slowObserved records whether sysSlow saw its caller still in the
	// system call after termination was requested.
	slowObserved bool
}

func newTestKernel(t *testing.T, quantum uint64) *testKernel {
	t.Helper()
	mf := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{MaxFrames: 4096})
	fs := memfs.NewFilesystem(mf)
	v := vfs.New()
	if err := v.Mount("/", fs); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	tk := &testKernel{Kernel: &Kernel{}, fs: fs}
	table := &SyscallTable{Table: map[uintptr]SyscallFn{
		linux.SYS_EXIT: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			t.Exit(args[0].Int())
			return 0, CtrlDoExit, nil
		},
		linux.SYS_SCHED_YIELD: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			t.Yield()
			return 0, nil, nil
		},
		linux.SYS_GETPID: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			return uintptr(t.ThreadID()), nil, nil
		},
		linux.SYS_KILL: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			target := t.Kernel().TaskSet().TaskWithID(ThreadID(args[0].Int()))
			if target == nil {
				return 0, nil, errors.New("no such task")
			}
			return 0, nil, target.SendSignal(linux.Signal(args[1].Int()))
		},
		sysTrace: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			tk.trace = append(tk.trace, t.ThreadID())
			return 0, nil, nil
		},
		sysSlow: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			t.Kernel().Terminate(t.ThreadID(), 9)
			for i := 0; i < 3; i++ {
				t.Yield()
			}
			tk.slowObserved = t.ExitRequested() && t.InSyscall()
			return 42, nil, nil
		},
		sysPinned: func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
			t.DisableScheduling()
			for i := 0; i < 3; i++ {
				tk.trace = append(tk.trace, t.ThreadID())
				t.Yield()
			}
			t.EnableScheduling()
			return 0, nil, nil
		},
	}}
	if err := tk.Init(InitKernelArgs{
		MemoryFile:   mf,
		VFS:          v,
		SyscallTable: table,
		Quantum:      quantum,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return tk
}

// install assembles src into the file name.
func (tk *testKernel) install(t *testing.T, name, src string) {
	t.Helper()
	img, err := asm.Assemble(src, asm.Options{})
	if err != nil {
		t.Fatalf("Assemble(%s): %v", name, err)
	}
	b, err := img.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(%s): %v", name, err)
	}
	tk.fs.WriteFile(name, b)
}

func (tk *testKernel) load(t *testing.T, name string) *Task {
	t.Helper()
	task, err := tk.LoadTask(context.Background(), nil, name, []string{name}, nil)
	if err != nil {
		t.Fatalf("LoadTask(%s): %v", name, err)
	}
	return task
}

func (tk *testKernel) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return tk.Run(ctx)
}

func exitStatuses(records []ExitRecord) map[ThreadID]linux.WaitStatus {
	m := make(map[ThreadID]linux.WaitStatus)
	for _, r := range records {
		m[r.PID] = r.Status
	}
	return m
}

const yieldLoop = `
_start:
	movi r5, 3
loop:
	movi r0, 2000
	syscall
	sys sched_yield
	addi r5, r5, -1
	jnz r5, loop
	movi r1, 0
	sys exit
`

func TestRoundRobinYield(t *testing.T) {
	tk := newTestKernel(t, 0)
	tk.install(t, "bin/yield", yieldLoop)
	var pids []ThreadID
	for i := 0; i < 3; i++ {
		pids = append(pids, tk.load(t, "/bin/yield").ThreadID())
	}
	if err := tk.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var want []ThreadID
	for i := 0; i < 3; i++ {
		want = append(want, pids...)
	}
	if diff := cmp.Diff(want, tk.trace); diff != "" {
		t.Errorf("schedule trace mismatch (-want +got):\n%s", diff)
	}
	if got := tk.TaskSet().Len(); got != 0 {
		t.Errorf("tasks remaining after Run: %d", got)
	}
}

func TestDisableScheduling(t *testing.T) {
	tk := newTestKernel(t, 0)
	tk.install(t, "bin/pinned", `
_start:
	movi r0, 2002
	syscall
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	tk.install(t, "bin/yield", yieldLoop)
	pinned := tk.load(t, "/bin/pinned").ThreadID()
	other := tk.load(t, "/bin/yield").ThreadID()
	if err := tk.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Yields with scheduling disabled keep the CPU; the switch they asked
	// for happens when scheduling is enabled again.
	want := []ThreadID{pinned, pinned, pinned, other, pinned, other, other}
	if diff := cmp.Diff(want, tk.trace); diff != "" {
		t.Errorf("schedule trace mismatch (-want +got):\n%s", diff)
	}
}

func TestPreemptionAndKill(t *testing.T) {
	tk := newTestKernel(t, 50)
	tk.install(t, "bin/spin", "_start:\n\tjmp _start\n")
	tk.install(t, "bin/killer", `
_start:
	movi r0, 2000
	syscall
	movi r1, 1
	movi r2, 9
	sys kill
	movi r1, 0
	sys exit
`)
	spinner := tk.load(t, "/bin/spin")
	killer := tk.load(t, "/bin/killer")

	if err := tk.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]ThreadID{killer.ThreadID()}, tk.trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	want := map[ThreadID]linux.WaitStatus{
		spinner.ThreadID(): linux.WaitStatusTerminationSignal(linux.SIGKILL),
		killer.ThreadID():  linux.WaitStatusExit(0),
	}
	if diff := cmp.Diff(want, exitStatuses(tk.ExitRecords())); diff != "" {
		t.Errorf("exit statuses mismatch (-want +got):\n%s", diff)
	}
	if tk.CPU().Ticks() == 0 {
		t.Errorf("no timer tick was raised")
	}
}

func TestTerminateDuringSyscall(t *testing.T) {
	tk := newTestKernel(t, 0)
	tk.install(t, "bin/slow", `
_start:
	movi r0, 2001
	syscall
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	task := tk.load(t, "/bin/slow")
	if err := tk.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !tk.slowObserved {
		t.Errorf("termination did not wait for the system call to complete")
	}
	if len(tk.trace) != 0 {
		t.Errorf("task ran user code after the system call: trace %v", tk.trace)
	}
	want := map[ThreadID]linux.WaitStatus{task.ThreadID(): linux.WaitStatusExit(9)}
	if diff := cmp.Diff(want, exitStatuses(tk.ExitRecords())); diff != "" {
		t.Errorf("exit statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestNoRunnableTask(t *testing.T) {
	tk := newTestKernel(t, 0)
	tk.install(t, "bin/stop", `
_start:
	sys getpid
	mov r1, r0
	movi r2, 19
	sys kill
	movi r1, 0
	sys exit
`)
	task := tk.load(t, "/bin/stop")
	if err := tk.run(t); !errors.Is(err, ErrNoRunnableTask) {
		t.Fatalf("Run: got %v, want %v", err, ErrNoRunnableTask)
	}
	if got := task.State(); got != TaskStopped {
		t.Errorf("task state: got %v, want %v", got, TaskStopped)
	}
}

func TestRunCancel(t *testing.T) {
	tk := newTestKernel(t, 0)
	tk.install(t, "bin/spin", "_start:\n\tjmp _start\n")
	tk.load(t, "/bin/spin")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tk.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRunWithoutTasks(t *testing.T) {
	tk := newTestKernel(t, 0)
	if err := tk.Run(context.Background()); err == nil {
		t.Fatalf("Run with no tasks: got nil, want error")
	}
}
