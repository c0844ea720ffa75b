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

// Package linux provides the system call table of the emulated kernel.
// Calls that exist on Linux keep their amd64 numbers and semantics.
package linux

import (
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sentry/kernel"
	"kcore.dev/kcore/pkg/sentry/syscalls"
)

// AMD64 is the system call table. Numbers missing from it fail with ENOSYS.
var AMD64 = &kernel.SyscallTable{
	Table: map[uintptr]kernel.SyscallFn{
		linux.SYS_READ:           Read,
		linux.SYS_WRITE:          Write,
		linux.SYS_OPEN:           Open,
		linux.SYS_CLOSE:          Close,
		linux.SYS_LSEEK:          Lseek,
		linux.SYS_MMAP:           Mmap,
		linux.SYS_MUNMAP:         Munmap,
		linux.SYS_BRK:            Brk,
		linux.SYS_RT_SIGACTION:   RtSigaction,
		linux.SYS_RT_SIGPROCMASK: RtSigprocmask,
		linux.SYS_RT_SIGRETURN:   RtSigreturn,
		linux.SYS_IOCTL:          syscalls.ErrorWithEvent(linuxerr.ENOTTY),
		linux.SYS_PIPE:           syscalls.ErrorWithEvent(linuxerr.ENOSYS),
		linux.SYS_SCHED_YIELD:    SchedYield,
		linux.SYS_MSYNC:          Msync,
		linux.SYS_DUP:            Dup,
		linux.SYS_NANOSLEEP:      Nanosleep,
		linux.SYS_ALARM:          Alarm,
		linux.SYS_GETPID:         Getpid,
		linux.SYS_CLONE:          syscalls.ErrorWithEvent(linuxerr.ENOSYS),
		linux.SYS_FORK:           Fork,
		linux.SYS_VFORK:          Fork,
		linux.SYS_EXECVE:         Execve,
		linux.SYS_EXIT:           Exit,
		linux.SYS_WAIT4:          Wait4,
		linux.SYS_KILL:           Kill,
		linux.SYS_GETPPID:        Getppid,
		linux.SYS_RT_SIGPENDING:  RtSigpending,
		linux.SYS_RT_SIGSUSPEND:  RtSigsuspend,
		linux.SYS_SBRK:           Sbrk,
		linux.SYS_SPAWN:          Spawn,
	},
}

// SyscallDoc describes how far a system call departs from Linux.
type SyscallDoc struct {
	Support string
	Note    string
}

// Docs documents the calls in AMD64 that are not fully supported or do not
// exist on Linux. Other calls in AMD64 are fully supported.
var Docs = map[uintptr]SyscallDoc{
	linux.SYS_IOCTL: {Support: "unimplemented", Note: "Returns ENOTTY."},
	linux.SYS_PIPE:  {Support: "unimplemented", Note: "Returns ENOSYS."},
	linux.SYS_CLONE: {Support: "unimplemented", Note: "Returns ENOSYS, use fork."},
	linux.SYS_VFORK: {Support: "partial", Note: "Same as fork."},
	linux.SYS_BRK:   {Support: "partial", Note: "Returns the current break if the request fails."},
	linux.SYS_WAIT4: {Support: "partial", Note: "Only WNOHANG is supported. rusage is not supported."},
	linux.SYS_KILL:  {Support: "partial", Note: "Process groups are not supported."},
	linux.SYS_SBRK:  {Support: "full", Note: "Not a Linux system call."},
	linux.SYS_SPAWN: {Support: "full", Note: "Not a Linux system call."},
}
