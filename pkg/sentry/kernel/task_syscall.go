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

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sentry/arch"
)

var syscallsMetric = metric.MustCreateNewUint64Metric("kcore_kernel_syscalls_total",
	"Number of system calls, by result.",
	metric.NewField("result", "ok", "error", "enosys"))

// SyscallFn is a syscall implementation.
type SyscallFn func(t *Task, args arch.SyscallArguments) (uintptr, *SyscallControl, error)

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Table is the map from system call number to implementation.
	Table map[uintptr]SyscallFn
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if s == nil {
		return nil
	}
	return s.Table[sysno]
}

// SyscallControl is returned by syscalls to control the behavior of
// Task.doSyscall.
type SyscallControl struct {
	// next is the state that the task goroutine should switch to. If next is
	// nil, the task goroutine should continue to run the app.
	next taskRunState

	// ignoreReturn is true if the syscall's return value must not be
	// written to the register context.
	ignoreReturn bool
}

var (
	// CtrlDoExit is returned by the implementations of the exit syscall to
	// enter the task exit path.
	CtrlDoExit = &SyscallControl{next: (*runExit)(nil), ignoreReturn: true}

	// ctrlRestoreContext is returned by rt_sigreturn and execve, which
	// replace the whole register context.
	ctrlRestoreContext = &SyscallControl{ignoreReturn: true}
)

// doSyscall executes the system call requested by t's register context.
func (t *Task) doSyscall() taskRunState {
	sysno := t.ac.SyscallNo()
	args := t.ac.SyscallArgs()

	fn := t.k.syscalls.Lookup(sysno)
	if fn == nil {
		syscallsMetric.Increment("enosys")
		t.Debugf("Unsupported syscall %d", sysno)
		t.ac.SetReturn(uintptr(linuxerr.ToSysret(linuxerr.ENOSYS)))
		return (*runApp)(nil)
	}

	if t.IsLogging(log.Debug) {
		t.Debugf("%s(%#x, %#x, %#x)", syscallName(sysno), args[0].Uint64(), args[1].Uint64(), args[2].Uint64())
	}

	t.inSyscall = true
	rval, ctrl, err := fn(t, args)
	t.inSyscall = false

	if err != nil {
		syscallsMetric.Increment("error")
	} else {
		syscallsMetric.Increment("ok")
	}
	if ctrl != nil {
		if !ctrl.ignoreReturn {
			t.setSyscallReturn(rval, err)
		}
		if ctrl.next != nil {
			return ctrl.next
		}
		return (*runApp)(nil)
	}
	t.setSyscallReturn(rval, err)
	if t.IsLogging(log.Debug) {
		t.Debugf("%s = %#x, %v", syscallName(sysno), t.ac.Return(), err)
	}
	return (*runApp)(nil)
}

func (t *Task) setSyscallReturn(rval uintptr, err error) {
	if err != nil {
		t.ac.SetReturn(uintptr(linuxerr.ToSysret(err)))
		return
	}
	t.ac.SetReturn(rval)
}

func syscallName(sysno uintptr) string {
	if name, ok := linux.SyscallNames[sysno]; ok {
		return name
	}
	return fmt.Sprintf("sys_%d", sysno)
}
