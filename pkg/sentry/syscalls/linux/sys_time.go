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

package linux

import (
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/kernel"
)

func copyTimespecIn(t *kernel.Task, addr hostarch.Addr) (linux.Timespec, error) {
	var ts linux.Timespec
	b := make([]byte, linux.SizeOfTimespec)
	if _, err := t.MemoryManager().CopyIn(t, addr, b); err != nil {
		return ts, err
	}
	ts.UnmarshalBytes(b)
	return ts, nil
}

func copyTimespecOut(t *kernel.Task, addr hostarch.Addr, ts linux.Timespec) error {
	b := make([]byte, linux.SizeOfTimespec)
	ts.MarshalBytes(b)
	_, err := t.MemoryManager().CopyOut(t, addr, b)
	return err
}

// Nanosleep implements linux syscall Nanosleep(2).
func Nanosleep(t *kernel.Task, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	addr := args[0].Pointer()
	rem := args[1].Pointer()

	ts, err := copyTimespecIn(t, addr)
	if err != nil {
		return 0, nil, err
	}
	if !ts.Valid() {
		return 0, nil, linuxerr.EINVAL
	}

	clock := t.Kernel().Clock()
	deadline := clock.Now().Add(ts.ToDuration())
	switch err := t.BlockWithDeadline(deadline); {
	case linuxerr.Equals(linuxerr.ETIMEDOUT, err):
		return 0, nil, nil
	case linuxerr.Equals(linuxerr.EINTR, err):
		if rem != 0 {
			left := deadline.Sub(clock.Now())
			if left < 0 {
				left = 0
			}
			if err := copyTimespecOut(t, rem, linux.DurationToTimespec(left)); err != nil {
				return 0, nil, err
			}
		}
		return 0, nil, err
	default:
		return 0, nil, err
	}
}
