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

// System call numbers. Calls that exist on Linux use their amd64 numbers.
const (
	SYS_READ           = 0
	SYS_WRITE          = 1
	SYS_OPEN           = 2
	SYS_CLOSE          = 3
	SYS_LSEEK          = 8
	SYS_MMAP           = 9
	SYS_MUNMAP         = 11
	SYS_BRK            = 12
	SYS_RT_SIGACTION   = 13
	SYS_RT_SIGPROCMASK = 14
	SYS_RT_SIGRETURN   = 15
	SYS_IOCTL          = 16
	SYS_PIPE           = 22
	SYS_SCHED_YIELD    = 24
	SYS_MSYNC          = 26
	SYS_DUP            = 32
	SYS_NANOSLEEP      = 35
	SYS_ALARM          = 37
	SYS_GETPID         = 39
	SYS_CLONE          = 56
	SYS_FORK           = 57
	SYS_VFORK          = 58
	SYS_EXECVE         = 59
	SYS_EXIT           = 60
	SYS_WAIT4          = 61
	SYS_KILL           = 62
	SYS_GETPPID        = 110
	SYS_RT_SIGPENDING  = 127
	SYS_RT_SIGSUSPEND  = 130

	// SYS_SBRK moves the program break by a signed delta and returns the
	// previous break.
	SYS_SBRK = 1000

	// SYS_SPAWN loads a program into a new child task.
	SYS_SPAWN = 1001
)

// SyscallNames maps system call numbers to names.
var SyscallNames = map[uintptr]string{
	SYS_READ:           "read",
	SYS_WRITE:          "write",
	SYS_OPEN:           "open",
	SYS_CLOSE:          "close",
	SYS_LSEEK:          "lseek",
	SYS_MMAP:           "mmap",
	SYS_MUNMAP:         "munmap",
	SYS_BRK:            "brk",
	SYS_RT_SIGACTION:   "rt_sigaction",
	SYS_RT_SIGPROCMASK: "rt_sigprocmask",
	SYS_RT_SIGRETURN:   "rt_sigreturn",
	SYS_IOCTL:          "ioctl",
	SYS_PIPE:           "pipe",
	SYS_SCHED_YIELD:    "sched_yield",
	SYS_MSYNC:          "msync",
	SYS_DUP:            "dup",
	SYS_NANOSLEEP:      "nanosleep",
	SYS_ALARM:          "alarm",
	SYS_GETPID:         "getpid",
	SYS_CLONE:          "clone",
	SYS_FORK:           "fork",
	SYS_VFORK:          "vfork",
	SYS_EXECVE:         "execve",
	SYS_EXIT:           "exit",
	SYS_WAIT4:          "wait4",
	SYS_KILL:           "kill",
	SYS_GETPPID:        "getppid",
	SYS_RT_SIGPENDING:  "rt_sigpending",
	SYS_RT_SIGSUSPEND:  "rt_sigsuspend",
	SYS_SBRK:           "sbrk",
	SYS_SPAWN:          "spawn",
}
