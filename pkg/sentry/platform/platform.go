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

// Package platform provides the interface between the kernel and the CPU
// that executes user code.
package platform

import (
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
)

// MMU is the hardware view of an address space: the page tables consulted
// on every user memory access. mm.MemoryManager implements it.
type MMU interface {
	// Access returns the page containing addr if its page table entry
	// permits an access of type at, and sets the entry's accessed and dirty
	// bits. present reports whether any entry exists for the page.
	Access(addr hostarch.Addr, at hostarch.AccessType) (page []byte, present, ok bool)
}

// Context executes user code on behalf of a task.
type Context interface {
	// Switch resumes execution of the user context ac in the address space
	// mm. It returns when the user code traps back into the kernel.
	//
	// Switch may return one of the following special errors:
	//
	// - nil: The context invoked a system call. The instruction pointer has
	// been advanced past the system call instruction.
	//
	// - ErrContextSignal: The context raised a synchronous signal, described
	// by the returned *linux.SignalInfo. If the signal is SIGSEGV, the
	// returned hostarch.AccessType is the access type of the faulting
	// access. The instruction pointer is left at the faulting instruction.
	//
	// - ErrContextInterrupt: The context was interrupted by a timer tick or a
	// call to Interrupt.
	//
	// - ErrContextTrampoline: The context jumped to a kernel trampoline
	// (arch.SigreturnAddr or arch.ForkReturnAddr). The instruction pointer
	// holds the trampoline address.
	Switch(ctx context.Context, mm MMU, ac *arch.Context) (*linux.SignalInfo, hostarch.AccessType, error)

	// Interrupt causes a concurrent or the next call to Switch to return
	// ErrContextInterrupt.
	Interrupt()
}

var (
	// ErrContextSignal is returned by Context.Switch() to indicate that the
	// Context raised a synchronous signal.
	ErrContextSignal = fmt.Errorf("interrupted by signal")

	// ErrContextInterrupt is returned by Context.Switch() to indicate that the
	// Context was interrupted by a timer tick or by Context.Interrupt().
	ErrContextInterrupt = fmt.Errorf("interrupted by platform.Context.Interrupt()")

	// ErrContextTrampoline is returned by Context.Switch() to indicate that
	// the Context entered a kernel trampoline.
	ErrContextTrampoline = fmt.Errorf("entered kernel trampoline")
)

// IsTrampoline returns true if addr is a kernel trampoline address.
func IsTrampoline(addr hostarch.Addr) bool {
	return addr == arch.SigreturnAddr || addr == arch.ForkReturnAddr
}
