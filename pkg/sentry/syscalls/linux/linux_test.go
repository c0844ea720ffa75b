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

package linux

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/fsimpl/host"
	"kcore.dev/kcore/pkg/sentry/fsimpl/memfs"
	"kcore.dev/kcore/pkg/sentry/kernel"
	"kcore.dev/kcore/pkg/sentry/loader/asm"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

const (
	// sysRecord appends its first argument to the caller's record.
	sysRecord = 2000

	// sysState records the scheduling state of the task named by its first
	// argument.
	sysState = 2001

	// sysUsage records the number of frames in use.
	sysUsage = 2002
)

type testEnv struct {
	k      *kernel.Kernel
	fs     *memfs.Filesystem
	stdout bytes.Buffer

	// records holds the values recorded by each task, in call order.
	records map[kernel.ThreadID][]int64
}

func newTestEnv(t *testing.T, stdin string) *testEnv {
	t.Helper()
	return newLimitedTestEnv(t, stdin, 0)
}

// newLimitedTestEnv is newTestEnv with at most tasksLimit live tasks. Zero
// selects the kernel's default.
func newLimitedTestEnv(t *testing.T, stdin string, tasksLimit int) *testEnv {
	t.Helper()
	mf := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{MaxFrames: 4096})
	fs := memfs.NewFilesystem(mf)
	v := vfs.New()
	if err := v.Mount("/", fs); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	e := &testEnv{
		k:       &kernel.Kernel{},
		fs:      fs,
		records: make(map[kernel.ThreadID][]int64),
	}

	table := make(map[uintptr]kernel.SyscallFn, len(AMD64.Table)+3)
	for nr, fn := range AMD64.Table {
		table[nr] = fn
	}
	table[sysRecord] = func(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		e.records[t.ThreadID()] = append(e.records[t.ThreadID()], args[0].Int64())
		return 0, nil, nil
	}
	table[sysState] = func(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		target := t.Kernel().TaskSet().TaskWithID(kernel.ThreadID(args[0].Int()))
		state := int64(-1)
		if target != nil {
			state = int64(target.State())
		}
		e.records[t.ThreadID()] = append(e.records[t.ThreadID()], state)
		return 0, nil, nil
	}
	table[sysUsage] = func(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		e.records[t.ThreadID()] = append(e.records[t.ThreadID()], int64(mf.Usage().InUse))
		return 0, nil, nil
	}

	if err := e.k.Init(kernel.InitKernelArgs{
		MemoryFile:   mf,
		VFS:          v,
		SyscallTable: &kernel.SyscallTable{Table: table},
		TasksLimit:   tasksLimit,
		Stdio: [3]*vfs.FileDescription{
			host.NewStream("stdin", strings.NewReader(stdin), nil),
			host.NewStream("stdout", nil, &e.stdout),
			host.NewStream("stderr", nil, &e.stdout),
		},
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e
}

func (e *testEnv) install(t *testing.T, name, src string) {
	t.Helper()
	img, err := asm.Assemble(src, asm.Options{})
	if err != nil {
		t.Fatalf("Assemble(%s): %v", name, err)
	}
	b, err := img.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary(%s): %v", name, err)
	}
	e.fs.WriteFile(name, b)
}

// run loads the program at name and runs the kernel until every task has
// exited.
func (e *testEnv) run(t *testing.T, name string) *kernel.Task {
	t.Helper()
	task, err := e.k.LoadTask(context.Background(), nil, name, []string{name}, nil)
	if err != nil {
		t.Fatalf("LoadTask(%s): %v", name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return task
}

func (e *testEnv) exitStatus(t *testing.T, pid kernel.ThreadID) linux.WaitStatus {
	t.Helper()
	for _, r := range e.k.ExitRecords() {
		if r.PID == pid {
			return r.Status
		}
	}
	t.Fatalf("no exit record for %d", pid)
	return 0
}

func sysret(err int64) int64 { return -err }

func TestForkWait(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/parent", `
_start:
	sys fork
	jz r0, child
	mov r1, r0
	movi r2, status
	movi r3, 0
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r2, status
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, -1
	movi r2, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	sys getppid
	mov r1, r0
	movi r0, 2000
	syscall
	sys getpid
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 3
	sys exit
.data
status:
	.quad 0
`)
	parent := e.run(t, "/bin/parent")
	child := parent.ThreadID() + 1

	want := map[kernel.ThreadID][]int64{
		parent.ThreadID(): {int64(child), int64(linux.WaitStatusExit(3)), sysret(10 /* ECHILD */)},
		child:             {int64(parent.ThreadID()), int64(child)},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyOnWrite(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/cow", `
_start:
	movi r2, val
	movi r1, 1
	stq [r2], r1
	sys fork
	jz r0, child
	mov r1, r0
	movi r2, 0
	movi r3, 0
	movi r4, 0
	sys wait4
	movi r2, val
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	movi r2, val
	movi r1, 2
	stq [r2], r1
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
.data
val:
	.quad 0
`)
	parent := e.run(t, "/bin/cow")
	want := map[kernel.ThreadID][]int64{
		parent.ThreadID():     {1},
		parent.ThreadID() + 1: {2},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

const usr1Handler = `
handler:
	movi r0, 2000
	syscall
	ret
`

func TestSignalHandlerAndReturn(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/sig", `
_start:
	movi r1, 10
	movi r2, act
	movi r3, 0
	movi r4, 8
	sys rt_sigaction
	sys getpid
	mov r1, r0
	movi r2, 10
	movi r5, 77
	sys kill
	mov r1, r0
	movi r0, 2000
	syscall
	mov r1, r5
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`+usr1Handler+`
.data
act:
	.quad handler, 0, 0, 0
`)
	task := e.run(t, "/bin/sig")
	// The handler sees the signal number; the interrupted context resumes
	// with the kill result and its registers intact.
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {10, 0, 77}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got := e.exitStatus(t, task.ThreadID()); got != linux.WaitStatusExit(0) {
		t.Errorf("exit status: got %#x, want %#x", got, linux.WaitStatusExit(0))
	}
}

func TestBlockedSignalDeliveredOnce(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/block", `
_start:
	movi r1, 10
	movi r2, act
	movi r3, 0
	movi r4, 8
	sys rt_sigaction
	movi r1, 0
	movi r2, usr1
	movi r3, 0
	movi r4, 8
	sys rt_sigprocmask
	sys getpid
	mov r6, r0
	mov r1, r6
	movi r2, 10
	sys kill
	mov r1, r6
	movi r2, 10
	sys kill
	movi r1, pending
	movi r2, 8
	sys rt_sigpending
	movi r2, pending
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, 1
	movi r2, usr1
	movi r3, 0
	movi r4, 8
	sys rt_sigprocmask
	movi r1, 99
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`+usr1Handler+`
.data
act:
	.quad handler, 0, 0, 0
usr1:
	.quad 512
pending:
	.quad 0
`)
	task := e.run(t, "/bin/block")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {512, 10, 99}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSigkillIgnoresMask(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/killer", `
_start:
	sys fork
	jz r0, child
	mov r6, r0
	sys sched_yield
	sys sched_yield
	mov r1, r6
	movi r2, 9
	sys kill
	mov r1, r6
	movi r2, status
	movi r3, 0
	movi r4, 0
	sys wait4
	movi r2, status
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	movi r1, 2
	movi r2, all
	movi r3, 0
	movi r4, 8
	sys rt_sigprocmask
spin:
	jmp spin
.data
all:
	.quad -1
status:
	.quad 0
`)
	task := e.run(t, "/bin/killer")
	want := map[kernel.ThreadID][]int64{
		task.ThreadID(): {int64(linux.WaitStatusTerminationSignal(linux.SIGKILL))},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSigsuspend(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/suspend", `
_start:
	movi r1, 10
	movi r2, act
	movi r3, 0
	movi r4, 8
	sys rt_sigaction
	movi r1, 0
	movi r2, usr1
	movi r3, 0
	movi r4, 8
	sys rt_sigprocmask
	sys fork
	jz r0, child
	movi r1, empty
	movi r2, 8
	sys rt_sigsuspend
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	movi r2, 0
	movi r3, old
	movi r4, 8
	sys rt_sigprocmask
	movi r2, old
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, -1
	movi r2, 0
	movi r3, 0
	movi r4, 0
	sys wait4
	movi r1, 0
	sys exit
child:
	sys getppid
	mov r1, r0
	movi r2, 10
	sys kill
	movi r1, 0
	sys exit
`+usr1Handler+`
.data
act:
	.quad handler, 0, 0, 0
usr1:
	.quad 512
empty:
	.quad 0
old:
	.quad 0
`)
	task := e.run(t, "/bin/suspend")
	// The handler runs with the temporary mask, sigsuspend returns EINTR,
	// and the original mask is back in place afterwards.
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {10, sysret(4 /* EINTR */), 512}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestMmapMunmap(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/mmap", `
_start:
	movi r1, 0
	movi r2, 4096
	movi r3, 3
	movi r4, 0x22
	movi r5, -1
	movi r6, 0
	sys mmap
	mov r7, r0
	movi r1, 42
	stq [r7+8], r1
	ldq r1, [r7+8]
	movi r0, 2000
	syscall
	mov r1, r7
	movi r2, 4096
	sys munmap
	mov r1, r0
	movi r0, 2000
	syscall
	ldq r1, [r7]
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	task := e.run(t, "/bin/mmap")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {42, 0}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got, want := e.exitStatus(t, task.ThreadID()), linux.WaitStatusTerminationSignal(linux.SIGSEGV); got != want {
		t.Errorf("exit status: got %#x, want %#x", got, want)
	}
}

func TestMmapFlags(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/flags", `
_start:
	movi r1, 0
	movi r2, 4096
	movi r3, 3
	movi r4, 0x23
	movi r5, -1
	movi r6, 0
	sys mmap
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0x400000
	movi r2, 4096
	movi r3, 5
	sys msync
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	task := e.run(t, "/bin/flags")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {sysret(22 /* EINVAL */), sysret(22 /* EINVAL */)}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestStopContinue(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/stop", `
_start:
	sys fork
	jz r0, child
	mov r6, r0
	mov r1, r6
	movi r2, 19
	sys kill
	sys sched_yield
	sys sched_yield
	mov r1, r6
	movi r0, 2001
	syscall
	mov r1, r6
	movi r2, 18
	sys kill
	mov r1, r6
	movi r0, 2001
	syscall
	mov r1, r6
	movi r2, 9
	sys kill
	mov r1, r6
	movi r2, 0
	movi r3, 0
	movi r4, 0
	sys wait4
	movi r1, 0
	sys exit
child:
	sys sched_yield
	jmp child
`)
	task := e.run(t, "/bin/stop")
	want := map[kernel.ThreadID][]int64{
		task.ThreadID(): {int64(kernel.TaskStopped), int64(kernel.TaskReady)},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestKillErrors(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/kill", `
_start:
	movi r1, 999
	movi r2, 0
	sys kill
	mov r1, r0
	movi r0, 2000
	syscall
	sys getpid
	mov r1, r0
	movi r2, 0
	sys kill
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	movi r2, 9
	sys kill
	mov r1, r0
	movi r0, 2000
	syscall
	movi r0, 500
	syscall
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	task := e.run(t, "/bin/kill")
	want := map[kernel.ThreadID][]int64{
		task.ThreadID(): {sysret(3 /* ESRCH */), 0, sysret(22 /* EINVAL */), sysret(38 /* ENOSYS */)},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

const helloProgram = `
_start:
	mov r7, r1
	movi r1, 1
	movi r2, msg
	movi r3, 6
	sys write
	mov r1, r7
	movi r0, 2000
	syscall
	movi r1, 5
	sys exit
.data
msg:
	.ascii "hello\n"
`

func TestSpawnAndExecve(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/hello", helloProgram)
	e.install(t, "bin/spawner", `
_start:
	movi r1, path
	movi r2, argv
	movi r3, 0
	sys spawn
	mov r1, r0
	movi r2, status
	movi r3, 0
	movi r4, 0
	sys wait4
	movi r2, status
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, path
	movi r2, argv
	movi r3, 0
	sys execve
	movi r1, 1
	sys exit
.data
path:
	.asciz "hello"
argv:
	.quad path, arg1, 0
arg1:
	.asciz "world"
status:
	.quad 0
`)
	task := e.run(t, "/bin/spawner")

	want := map[kernel.ThreadID][]int64{
		task.ThreadID():     {int64(linux.WaitStatusExit(5)), 2},
		task.ThreadID() + 1: {2},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got, want := e.stdout.String(), "hello\nhello\n"; got != want {
		t.Errorf("stdout: got %q, want %q", got, want)
	}
	if got, want := e.exitStatus(t, task.ThreadID()), linux.WaitStatusExit(5); got != want {
		t.Errorf("exit status: got %#x, want %#x", got, want)
	}
}

func TestFileIO(t *testing.T) {
	e := newTestEnv(t, "ping")
	e.fs.WriteFile("etc/motd", []byte("welcome"))
	e.install(t, "bin/io", `
_start:
	movi r1, 0
	movi r2, buf
	movi r3, 16
	sys read
	mov r3, r0
	movi r1, 1
	movi r2, buf
	sys write
	movi r1, path
	movi r2, 0
	sys open
	mov r6, r0
	mov r1, r0
	movi r0, 2000
	syscall
	mov r1, r6
	movi r2, 3
	movi r3, 0
	sys lseek
	mov r1, r6
	movi r2, buf
	movi r3, 16
	sys read
	mov r3, r0
	movi r1, 1
	movi r2, buf
	sys write
	mov r1, r6
	sys close
	mov r1, r6
	sys close
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
.data
path:
	.asciz "/etc/motd"
buf:
	.zero 16
`)
	task := e.run(t, "/bin/io")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {3, sysret(9 /* EBADF */)}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got, want := e.stdout.String(), "pingcome"; got != want {
		t.Errorf("stdout: got %q, want %q", got, want)
	}
}

func TestBrkSbrk(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/heap", `
_start:
	movi r1, 0
	sys brk
	mov r6, r0
	movi r1, 8192
	sys sbrk
	sub r1, r0, r6
	movi r0, 2000
	syscall
	movi r1, 0
	sys brk
	sub r1, r0, r6
	movi r0, 2000
	syscall
	movi r1, 7
	stq [r6+4096], r1
	ldq r1, [r6+4096]
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	task := e.run(t, "/bin/heap")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {0, 8192, 7}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestNanosleep(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/sleep", `
_start:
	movi r1, req
	movi r2, 0
	sys nanosleep
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, bad
	movi r2, 0
	sys nanosleep
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
.data
req:
	.quad 0, 5000000
bad:
	.quad 0, 1000000000
`)
	task := e.run(t, "/bin/sleep")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {0, sysret(22 /* EINVAL */)}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got := e.k.Clock().Now().Nanoseconds(); got < 5000000 {
		t.Errorf("clock after sleep: got %dns, want at least 5ms", got)
	}
}

func TestUnimplemented(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/clone", `
_start:
	sys clone
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	movi r2, 0
	sys ioctl
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
`)
	task := e.run(t, "/bin/clone")
	want := map[kernel.ThreadID][]int64{task.ThreadID(): {sysret(38 /* ENOSYS */), sysret(25 /* ENOTTY */)}}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestZombieReap(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/reap", `
_start:
	sys fork
	jz r0, child
	mov r6, r0
	mov r1, r6
	movi r2, status
	movi r3, 0
	movi r4, 0
	sys wait4
	movi r2, status
	ldq r1, [r2]
	movi r0, 2000
	syscall
	mov r1, r6
	movi r2, status
	movi r3, 0
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	movi r1, 7
	sys exit
.data
status:
	.quad 0
`)
	parent := e.run(t, "/bin/reap")
	want := map[kernel.ThreadID][]int64{
		parent.ThreadID(): {int64(linux.WaitStatusExit(7)), sysret(10 /* ECHILD */)},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitNoHang(t *testing.T) {
	e := newTestEnv(t, "")
	e.install(t, "bin/nohang", `
_start:
	sys fork
	jz r0, child
	mov r6, r0
	mov r1, r6
	movi r2, status
	movi r3, 1
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	mov r1, r6
	movi r2, status
	movi r3, 0
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r2, status
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, -1
	movi r2, 0
	movi r3, 1
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	sys sched_yield
	movi r1, 5
	sys exit
.data
status:
	.quad 0
`)
	parent := e.run(t, "/bin/nohang")
	child := parent.ThreadID() + 1
	// WNOHANG returns 0 while the child runs, and ECHILD once nothing is
	// left to wait for.
	want := map[kernel.ThreadID][]int64{
		parent.ThreadID(): {0, int64(child), int64(linux.WaitStatusExit(5)), sysret(10 /* ECHILD */)},
	}
	if diff := cmp.Diff(want, e.records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestAlarm(t *testing.T) {
	for _, tc := range []struct {
		name    string
		handler string
		records []int64
		status  linux.WaitStatus
	}{
		{
			name:    "handler",
			handler: "handler",
			records: []int64{0, 1, int64(linux.SIGALRM)},
			status:  linux.WaitStatusExit(0),
		},
		{
			name:    "default",
			handler: "0",
			records: []int64{0, 1},
			status:  linux.WaitStatusTerminationSignal(linux.SIGALRM),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, "")
			e.install(t, "bin/alarm", fmt.Sprintf(`
_start:
	movi r1, 14
	movi r2, act
	movi r3, 0
	movi r4, 8
	sys rt_sigaction
	movi r1, 1
	sys alarm
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 1
	sys alarm
	mov r1, r0
	movi r0, 2000
	syscall
spin:
	jmp spin
handler:
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
.data
act:
	.quad %s, 0, 0, 0
`, tc.handler))
			task := e.run(t, "/bin/alarm")
			// The second alarm replaces the first and reports the second
			// left on it. Spinning advances the clock until SIGALRM.
			want := map[kernel.ThreadID][]int64{task.ThreadID(): tc.records}
			if diff := cmp.Diff(want, e.records); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
			if got := e.exitStatus(t, task.ThreadID()); got != tc.status {
				t.Errorf("exit status: got %#x, want %#x", got, tc.status)
			}
		})
	}
}

func TestSigchld(t *testing.T) {
	for _, tc := range []struct {
		name    string
		act     string
		handled bool
	}{
		{name: "default", act: "0, 0"},
		{name: "handler", act: "handler, 0", handled: true},
		{name: "ignored", act: "1, 0"},
		{name: "nocldwait", act: "handler, 2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, "")
			e.install(t, "bin/sigchld", fmt.Sprintf(`
_start:
	movi r1, 17
	movi r2, act
	movi r3, 0
	movi r4, 8
	sys rt_sigaction
	sys fork
	jz r0, child
	mov r1, r0
	movi r2, 0
	movi r3, 0
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	movi r1, 0
	sys exit
handler:
	movi r0, 2000
	syscall
	ret
.data
act:
	.quad %s, 0, 0
`, tc.act))
			parent := e.run(t, "/bin/sigchld")
			child := int64(parent.ThreadID() + 1)
			// The handler runs on the way back from wait4, before the
			// result is recorded.
			want := []int64{child}
			if tc.handled {
				want = []int64{int64(linux.SIGCHLD), child}
			}
			if diff := cmp.Diff(want, e.records[parent.ThreadID()]); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecveFailureLeavesCaller(t *testing.T) {
	e := newTestEnv(t, "")
	e.fs.WriteFile("bin/junk", []byte("garbage"))
	e.install(t, "bin/needy", `
.needs libmissing.kexe
_start:
	movi r1, 0
	sys exit
`)
	e.install(t, "bin/exec", `
_start:
	movi r0, 2002
	syscall
	movi r1, nope
	movi r2, 0
	movi r3, 0
	sys execve
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, junk
	movi r2, 0
	movi r3, 0
	sys execve
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, needy
	movi r2, 0
	movi r3, 0
	sys execve
	mov r1, r0
	movi r0, 2000
	syscall
	movi r0, 2002
	syscall
	movi r2, val
	ldq r1, [r2]
	movi r0, 2000
	syscall
	movi r1, 3
	sys exit
.data
val:
	.quad 77
nope:
	.asciz "/nope"
junk:
	.asciz "/bin/junk"
needy:
	.asciz "/bin/needy"
`)
	task := e.run(t, "/bin/exec")
	got := e.records[task.ThreadID()]
	if len(got) != 6 {
		t.Fatalf("records: got %v, want 6 values", got)
	}
	// The image that fails on its library was partly built in a fresh
	// address space; none of its frames survive.
	want := []int64{
		got[0],
		sysret(2 /* ENOENT */),
		sysret(8 /* ENOEXEC */),
		sysret(79 /* ELIBACC */),
		got[0],
		77,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got := e.exitStatus(t, task.ThreadID()); got != linux.WaitStatusExit(3) {
		t.Errorf("exit status: got %#x, want %#x", got, linux.WaitStatusExit(3))
	}
}

func TestSignalActionFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags string
		kills int
		want  []int64
		// status is the exit status of the task.
		status linux.WaitStatus
	}{
		{
			name:   "default",
			flags:  "0",
			kills:  2,
			want:   []int64{512, 512},
			status: linux.WaitStatusExit(0),
		},
		{
			name:   "nodefer",
			flags:  "0x40000000",
			kills:  1,
			want:   []int64{0},
			status: linux.WaitStatusExit(0),
		},
		{
			name:   "resethand",
			flags:  "0x80000000",
			kills:  2,
			want:   []int64{512},
			status: linux.WaitStatusTerminationSignal(linux.SIGUSR1),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, "")
			e.install(t, "bin/flags", fmt.Sprintf(`
_start:
	movi r1, 10
	movi r2, act
	movi r3, 0
	movi r4, 8
	sys rt_sigaction
	movi r7, %d
again:
	sys getpid
	mov r1, r0
	movi r2, 10
	sys kill
	addi r7, r7, -1
	jnz r7, again
	movi r1, 0
	sys exit
handler:
	movi r1, 0
	movi r2, 0
	movi r3, old
	movi r4, 8
	sys rt_sigprocmask
	movi r2, old
	ldq r1, [r2]
	movi r0, 2000
	syscall
	ret
.data
act:
	.quad handler, %s, 0, 0
old:
	.quad 0
`, tc.kills, tc.flags))
			task := e.run(t, "/bin/flags")
			// The handler records the signal mask it runs with.
			want := map[kernel.ThreadID][]int64{task.ThreadID(): tc.want}
			if diff := cmp.Diff(want, e.records); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
			if got := e.exitStatus(t, task.ThreadID()); got != tc.status {
				t.Errorf("exit status: got %#x, want %#x", got, tc.status)
			}
		})
	}
}

func TestCreationFailureUnwinds(t *testing.T) {
	e := newLimitedTestEnv(t, "", 2)
	e.install(t, "bin/needy", `
.needs libmissing.kexe
_start:
	movi r1, 0
	sys exit
`)
	e.install(t, "bin/unwind", `
_start:
	movi r0, 2002
	syscall
	movi r1, needy
	movi r2, 0
	movi r3, 0
	sys spawn
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, needy
	movi r2, 0
	movi r3, 0
	sys spawn
	mov r1, r0
	movi r0, 2000
	syscall
	movi r0, 2002
	syscall
	sys fork
	jz r0, child
	mov r6, r0
	sys fork
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, needy
	movi r2, 0
	movi r3, 0
	sys spawn
	mov r1, r0
	movi r0, 2000
	syscall
	mov r1, r6
	movi r2, 0
	movi r3, 0
	movi r4, 0
	sys wait4
	mov r1, r0
	movi r0, 2000
	syscall
	movi r1, 0
	sys exit
child:
	movi r1, 0
	sys exit
.data
needy:
	.asciz "/bin/needy"
`)
	task := e.run(t, "/bin/unwind")
	got := e.records[task.ThreadID()]
	if len(got) != 7 {
		t.Fatalf("records: got %v, want 7 values", got)
	}
	// Failed loads give back their IDs and frames, so the fork that
	// follows fits under the limit of two tasks. With both tasks alive,
	// further creations fail.
	child := int64(task.ThreadID() + 1)
	want := []int64{
		got[0],
		sysret(79 /* ELIBACC */),
		sysret(79 /* ELIBACC */),
		got[0],
		sysret(11 /* EAGAIN */),
		sysret(11 /* EAGAIN */),
		child,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got := e.exitStatus(t, task.ThreadID()); got != linux.WaitStatusExit(0) {
		t.Errorf("exit status: got %#x, want %#x", got, linux.WaitStatusExit(0))
	}
}
