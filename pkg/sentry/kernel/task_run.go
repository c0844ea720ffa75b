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

package kernel

import (
	"runtime"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/platform"
)

// A taskRunState is a reified state in the task state machine.
//
// Data-free taskRunStates are represented as typecast nils to avoid
// unnecessary allocation.
type taskRunState interface {
	// execute executes the code associated with this state over the given
	// task and returns the following state. If execute returns nil, the task
	// goroutine should exit.
	execute(*Task) taskRunState
}

// run runs the task goroutine. It is started by the first context switch to
// t, and so begins holding the CPU.
func (t *Task) run() {
	defer t.k.goroutines.Done()
	t.k.cpu.EnableInterrupts()
	for t.runState != nil {
		t.runState = t.runState.execute(t)
	}
}

// The runApp state checks for interrupts before executing untrusted
// application code.
type runApp struct{}

func (app *runApp) execute(t *Task) taskRunState {
	k := t.k
	if k.Halted() {
		runtime.Goexit()
	}
	k.processHostRequests()
	if t.exitRequested {
		return (*runExit)(nil)
	}
	if t.dispatchSignal() {
		// The task may have been stopped and resumed, or its context
		// redirected to a handler. Either way, start over.
		return (*runApp)(nil)
	}
	if t.haveSavedSignalMask {
		t.setSignalMask(t.savedSignalMask)
		t.haveSavedSignalMask = false
		t.sigsuspendWaiting = false
	}

	before := k.cpu.Ticks()
	info, at, err := k.cpu.Switch(t, k.activeMM, t.ac)
	k.advanceClock(k.cpu.Ticks() - before)

	switch err {
	case nil:
		// Handle application system call.
		return t.doSyscall()

	case platform.ErrContextInterrupt:
		// Interrupted by a timer tick or by a host request. A tick ends the
		// time slice.
		if k.cpu.Ticks() != before {
			k.schedule(t)
		}
		return (*runApp)(nil)

	case platform.ErrContextTrampoline:
		return t.doTrampoline()

	case platform.ErrContextSignal:
		sig := linux.Signal(info.Signo)
		if sig == linux.SIGSEGV && at.Any() {
			addr := hostarch.Addr(info.Addr)
			if err := t.mm.HandleUserFault(t, addr, at, info.Present()); err == nil {
				// The fault is resolved. Let's get back to work.
				return (*runApp)(nil)
			} else if t.IsLogging(log.Debug) {
				t.Debugf("Unresolved fault at %#x (%v): %v", addr, at, err)
			}
		}
		faultLogger.Infof("[%7d:%s] Unhandled user fault: %v at %#x, pc %#x", t.pid, t.name, sig, info.Addr, t.ac.IP())
		t.DebugDumpState()
		t.forceSignal(sig)
		return (*runApp)(nil)

	default:
		// What happened? Can't continue.
		t.Warningf("Unexpected return from CPU: %v", err)
		t.requestExit(linux.WaitStatusTerminationSignal(linux.SIGKILL))
		return (*runExit)(nil)
	}
}

// doTrampoline handles a return to one of the kernel's trampoline
// addresses.
func (t *Task) doTrampoline() taskRunState {
	switch t.ac.IP() {
	case arch.SigreturnAddr:
		t.SignalReturn()
	case arch.ForkReturnAddr:
		// A forked child's first return to user mode: fork returns 0.
		t.ac.SetReturn(0)
		t.ac.SetIP(hostarch.Addr(t.ac.Regs.Link))
	}
	return (*runApp)(nil)
}

// The runExit state terminates the task. It does not return.
type runExit struct{}

func (*runExit) execute(t *Task) taskRunState {
	t.doExit()
	return nil
}
