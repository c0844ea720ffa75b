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

// Package linux contains the constants and types of the system call ABI
// that user programs see.
package linux

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	// SignalMaximum is the highest valid signal number.
	SignalMaximum = 64

	// FirstStdSignal is the lowest standard signal number.
	FirstStdSignal = 1

	// LastStdSignal is the highest standard signal number.
	LastStdSignal = 31

	// FirstRTSignal is the lowest real-time signal number.
	FirstRTSignal = 32

	// LastRTSignal is the highest real-time signal number.
	LastRTSignal = 64
)

// Signal is a signal number.
type Signal int

// IsValid returns true if s is a valid standard or realtime signal. (0 is not
// considered valid; interfaces special-case signal number 0 to mean "no
// signal".)
func (s Signal) IsValid() bool {
	return s > 0 && s <= SignalMaximum
}

// IsStandard returns true if s is a standard signal.
//
// Preconditions: s.IsValid().
func (s Signal) IsStandard() bool {
	return s <= LastStdSignal
}

// IsRealtime returns true if s is a realtime signal.
//
// Preconditions: s.IsValid().
func (s Signal) IsRealtime() bool {
	return s >= FirstRTSignal
}

// Index returns the index for signal s into arrays of both standard and
// realtime signals (e.g. signal masks).
//
// Preconditions: s.IsValid().
func (s Signal) Index() int {
	return int(s - 1)
}

// Signals.
const (
	SIGABRT   = Signal(6)
	SIGALRM   = Signal(14)
	SIGBUS    = Signal(7)
	SIGCHLD   = Signal(17)
	SIGCONT   = Signal(18)
	SIGFPE    = Signal(8)
	SIGHUP    = Signal(1)
	SIGILL    = Signal(4)
	SIGINT    = Signal(2)
	SIGIO     = Signal(29)
	SIGKILL   = Signal(9)
	SIGPIPE   = Signal(13)
	SIGPROF   = Signal(27)
	SIGPWR    = Signal(30)
	SIGQUIT   = Signal(3)
	SIGSEGV   = Signal(11)
	SIGSTKFLT = Signal(16)
	SIGSTOP   = Signal(19)
	SIGSYS    = Signal(31)
	SIGTERM   = Signal(15)
	SIGTRAP   = Signal(5)
	SIGTSTP   = Signal(20)
	SIGTTIN   = Signal(21)
	SIGTTOU   = Signal(22)
	SIGURG    = Signal(23)
	SIGUSR1   = Signal(10)
	SIGUSR2   = Signal(12)
	SIGVTALRM = Signal(26)
	SIGWINCH  = Signal(28)
	SIGXCPU   = Signal(24)
	SIGXFSZ   = Signal(25)
)

var signalNames = map[Signal]string{
	SIGABRT: "SIGABRT", SIGALRM: "SIGALRM", SIGBUS: "SIGBUS", SIGCHLD: "SIGCHLD",
	SIGCONT: "SIGCONT", SIGFPE: "SIGFPE", SIGHUP: "SIGHUP", SIGILL: "SIGILL",
	SIGINT: "SIGINT", SIGIO: "SIGIO", SIGKILL: "SIGKILL", SIGPIPE: "SIGPIPE",
	SIGPROF: "SIGPROF", SIGPWR: "SIGPWR", SIGQUIT: "SIGQUIT", SIGSEGV: "SIGSEGV",
	SIGSTKFLT: "SIGSTKFLT", SIGSTOP: "SIGSTOP", SIGSYS: "SIGSYS", SIGTERM: "SIGTERM",
	SIGTRAP: "SIGTRAP", SIGTSTP: "SIGTSTP", SIGTTIN: "SIGTTIN", SIGTTOU: "SIGTTOU",
	SIGURG: "SIGURG", SIGUSR1: "SIGUSR1", SIGUSR2: "SIGUSR2", SIGVTALRM: "SIGVTALRM",
	SIGWINCH: "SIGWINCH", SIGXCPU: "SIGXCPU", SIGXFSZ: "SIGXFSZ",
}

// String implements fmt.Stringer.String.
func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	if s.IsValid() && s.IsRealtime() {
		return fmt.Sprintf("SIGRTMIN+%d", int(s-FirstRTSignal))
	}
	return fmt.Sprintf("signal %d", int(s))
}

// SignalSet is a signal mask with a bit corresponding to each signal.
type SignalSet uint64

// SignalSetSize is the size in bytes of a SignalSet.
const SignalSetSize = 8

// MakeSignalSet returns SignalSet with the bit corresponding to each of the
// given signals set.
func MakeSignalSet(sigs ...Signal) SignalSet {
	var set SignalSet
	for _, sig := range sigs {
		set |= SignalSetOf(sig)
	}
	return set
}

// SignalSetOf returns a SignalSet with a single signal set.
func SignalSetOf(sig Signal) SignalSet {
	return SignalSet(1) << uint(sig.Index())
}

// Has returns true if sig is a member of set.
func (set SignalSet) Has(sig Signal) bool {
	return set&SignalSetOf(sig) != 0
}

// Lowest returns the lowest numbered signal in set, or 0 if set is empty.
func (set SignalSet) Lowest() Signal {
	if set == 0 {
		return 0
	}
	return Signal(bits.TrailingZeros64(uint64(set)) + 1)
}

// ForEachSignal invokes f for each signal set in the given mask.
func ForEachSignal(mask SignalSet, f func(sig Signal)) {
	for m := uint64(mask); m != 0; m &= m - 1 {
		f(Signal(bits.TrailingZeros64(m) + 1))
	}
}

// UnblockableSignals contains the set of signals which cannot be blocked.
var UnblockableSignals = MakeSignalSet(SIGKILL, SIGSTOP)

// 'how' values for rt_sigprocmask(2).
const (
	// SIG_BLOCK blocks the signals in the set.
	SIG_BLOCK = 0

	// SIG_UNBLOCK unblocks the signals in the set.
	SIG_UNBLOCK = 1

	// SIG_SETMASK sets the signal mask to set.
	SIG_SETMASK = 2
)

// Signal actions for rt_sigaction(2), from uapi/asm-generic/signal-defs.h.
const (
	// SIG_DFL performs the default action.
	SIG_DFL = 0

	// SIG_IGN ignores the signal.
	SIG_IGN = 1
)

// Signal action flags for rt_sigaction(2), from uapi/asm-generic/signal.h.
const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_RESTORER  = 0x04000000
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
	SA_NOMASK    = SA_NODEFER
	SA_ONESHOT   = SA_RESETHAND
)

// SigAction represents struct sigaction.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     SignalSet
}

// SizeOfSigAction is the size in bytes of SigAction in user memory.
const SizeOfSigAction = 32

// MarshalBytes encodes a into dst.
//
// Preconditions: len(dst) >= SizeOfSigAction.
func (a *SigAction) MarshalBytes(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], a.Handler)
	binary.LittleEndian.PutUint64(dst[8:], a.Flags)
	binary.LittleEndian.PutUint64(dst[16:], a.Restorer)
	binary.LittleEndian.PutUint64(dst[24:], uint64(a.Mask))
}

// UnmarshalBytes decodes a from src.
//
// Preconditions: len(src) >= SizeOfSigAction.
func (a *SigAction) UnmarshalBytes(src []byte) {
	a.Handler = binary.LittleEndian.Uint64(src[0:])
	a.Flags = binary.LittleEndian.Uint64(src[8:])
	a.Restorer = binary.LittleEndian.Uint64(src[16:])
	a.Mask = SignalSet(binary.LittleEndian.Uint64(src[24:]))
}

// String implements fmt.Stringer.String.
func (a SigAction) String() string {
	return fmt.Sprintf("{Handler: %#x, Flags: %#x, Restorer: %#x, Mask: %#x}", a.Handler, a.Flags, a.Restorer, uint64(a.Mask))
}

// MarshalSignalSet encodes set into dst.
func MarshalSignalSet(dst []byte, set SignalSet) {
	binary.LittleEndian.PutUint64(dst, uint64(set))
}

// UnmarshalSignalSet decodes a SignalSet from src.
func UnmarshalSignalSet(src []byte) SignalSet {
	return SignalSet(binary.LittleEndian.Uint64(src))
}

// si_code values for SIGSEGV.
const (
	// SEGV_MAPERR indicates that the address was not mapped.
	SEGV_MAPERR = 1

	// SEGV_ACCERR indicates that the mapping did not permit the access.
	SEGV_ACCERR = 2
)

// si_code values for SIGILL and SIGFPE.
const (
	ILL_ILLOPC = 1
	ILL_ILLOPN = 2
	FPE_INTDIV = 1
)

// SignalInfo describes a synchronous signal raised by a trap.
type SignalInfo struct {
	Signo int32
	Code  int32

	// Addr is the faulting address for SIGSEGV and the faulting
	// instruction for SIGILL and SIGFPE.
	Addr uint64
}

// Present returns true if a SIGSEGV was raised against a mapped page.
func (s *SignalInfo) Present() bool {
	return s.Code == SEGV_ACCERR
}
