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
	"encoding/binary"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/kernel"
)

const (
	// exec(2) string vector limits.
	maxVectorEntries = 256
	maxArgLen        = 4096
)

// copyInVector copies a NULL-terminated array of string pointers from addr.
// A zero addr is an empty vector.
func copyInVector(t *kernel.Task, addr hostarch.Addr) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var v []string
	b := make([]byte, 8)
	for {
		if len(v) == maxVectorEntries {
			return nil, linuxerr.E2BIG
		}
		if _, err := t.MemoryManager().CopyIn(t, addr, b); err != nil {
			return nil, err
		}
		ptr := hostarch.Addr(binary.LittleEndian.Uint64(b))
		if ptr == 0 {
			return v, nil
		}
		s, err := t.MemoryManager().CopyInString(t, ptr, maxArgLen)
		if err != nil {
			return nil, err
		}
		v = append(v, s)
		var ok bool
		if addr, ok = addr.AddLength(8); !ok {
			return nil, linuxerr.EFAULT
		}
	}
}

// copyInExecArgs copies in the path and string vectors shared by execve(2)
// and spawn.
func copyInExecArgs(t *kernel.Task, args arch.SyscallArguments) (string, []string, []string, error) {
	filename, err := copyInPath(t, args[0].Pointer())
	if err != nil {
		return "", nil, nil, err
	}
	argv, err := copyInVector(t, args[1].Pointer())
	if err != nil {
		return "", nil, nil, err
	}
	envv, err := copyInVector(t, args[2].Pointer())
	if err != nil {
		return "", nil, nil, err
	}
	return filename, argv, envv, nil
}

// Getpid implements linux syscall getpid(2).
func Getpid(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return uintptr(t.ThreadID()), nil, nil
}

// Getppid implements linux syscall getppid(2).
func Getppid(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	parent := t.Parent()
	if parent == nil {
		return 0, nil, nil
	}
	return uintptr(parent.ThreadID()), nil, nil
}

// Fork implements Linux syscall fork(2).
func Fork(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	ntid, err := t.Fork()
	return uintptr(ntid), nil, err
}

// Execve implements linux syscall execve(2).
func Execve(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	filename, argv, envv, err := copyInExecArgs(t, args)
	if err != nil {
		return 0, nil, err
	}
	ctrl, err := t.Execve(filename, argv, envv)
	return 0, ctrl, err
}

// Spawn creates a child running the program at the given path, as if by
// fork followed by execve in the child, and returns the child's ID.
func Spawn(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	filename, argv, envv, err := copyInExecArgs(t, args)
	if err != nil {
		return 0, nil, err
	}
	child, err := t.Kernel().LoadTask(t, t, filename, argv, envv)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(child.ThreadID()), nil, nil
}

// Exit implements linux syscall exit(2).
func Exit(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	status := args[0].Int()
	t.Exit(status)
	return 0, kernel.CtrlDoExit, nil
}

// Wait4 implements linux syscall wait4(2).
func Wait4(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	pid := kernel.ThreadID(args[0].Int())
	addr := args[1].Pointer()
	options := args[2].Uint()
	rusage := args[3].Pointer()

	if options&^linux.WNOHANG != 0 {
		return 0, nil, linuxerr.EINVAL
	}
	if rusage != 0 {
		// Resource usage is not tracked.
		return 0, nil, linuxerr.ENOSYS
	}
	res, err := t.Wait(kernel.WaitOptions{
		PID:         pid,
		NonBlocking: options&linux.WNOHANG != 0,
	})
	if err != nil {
		return 0, nil, err
	}
	if res.PID != 0 && addr != 0 {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(res.Status))
		if _, err := t.MemoryManager().CopyOut(t, addr, b); err != nil {
			return 0, nil, err
		}
	}
	return uintptr(res.PID), nil, nil
}
