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

// Package syscalls holds helpers for building system call tables.
//
// Note that the stubs in this package may merely provide the interface, not
// the actual implementation. It just makes writing syscall stubs
// straightforward.
package syscalls

import (
	"time"

	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/kernel"
)

var unimplementedMetric = metric.MustCreateNewUint64Metric("kcore_kernel_unimplemented_syscalls_total",
	"Number of calls to known but unimplemented system calls.")

var unimplementedLogger = log.BasicRateLimitedLogger(time.Second)

// Error returns a syscall handler that will always give the passed error.
func Error(err error) kernel.SyscallFn {
	return func(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		return 0, nil, err
	}
}

// ErrorWithEvent gives a syscall function that records an unimplemented
// syscall event and returns the passed error.
func ErrorWithEvent(err error) kernel.SyscallFn {
	return func(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		UnimplementedEvent(t)
		return 0, nil, err
	}
}

// UnimplementedEvent counts an unimplemented syscall made by t and logs it,
// at most once per second.
func UnimplementedEvent(t *kernel.Task) {
	unimplementedMetric.Increment()
	unimplementedLogger.Infof("[%6d] Unimplemented syscall %d at %#x", t.ThreadID(), t.Arch().SyscallNo(), uint64(t.Arch().IP()))
}
