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

// Package interp implements platform.Context by interpreting user code one
// instruction at a time.
package interp

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/platform"
)

// DefaultQuantum is the default number of instructions between timer ticks.
const DefaultQuantum = 1000

var (
	userExitsMetric = metric.MustCreateNewUint64Metric(
		"kcore_platform_user_exits_total",
		"Number of returns from user mode, by reason.",
		metric.NewField("reason", "syscall", "signal", "interrupt", "trampoline"))
	instructionsMetric = metric.MustCreateNewUint64Metric(
		"kcore_platform_instructions_total",
		"Number of user instructions executed.")
)

// CPU is a single interpreted CPU.
//
// Except for Interrupt, CPU methods may only be called by the task that
// holds the CPU.
type CPU struct {
	// quantum is the tick interval in instructions. Immutable.
	quantum uint64

	// used is the number of instructions executed since the last tick.
	used uint64

	// ticks is the number of timer ticks raised.
	ticks atomic.Uint64

	// interrupted is set by Interrupt.
	interrupted atomic.Bool

	// irqDisabled is the interrupt masking nesting depth.
	irqDisabled atomic.Int32

	// fpu is the live floating point register file, owned by fpuOwner.
	fpu      arch.FloatingPointData
	fpuOwner *arch.Context
}

var _ platform.Context = (*CPU)(nil)

// New returns a CPU that raises a timer tick every quantum instructions. A
// zero quantum selects DefaultQuantum.
func New(quantum uint64) *CPU {
	if quantum == 0 {
		quantum = DefaultQuantum
	}
	return &CPU{quantum: quantum}
}

// Quantum returns the tick interval in instructions.
func (c *CPU) Quantum() uint64 {
	return c.quantum
}

// Ticks returns the number of timer ticks raised so far.
func (c *CPU) Ticks() uint64 {
	return c.ticks.Load()
}

// Interrupt implements platform.Context.Interrupt. It may be called from any
// goroutine.
func (c *CPU) Interrupt() {
	c.interrupted.Store(true)
}

// DisableInterrupts masks interrupts until the matching EnableInterrupts.
// Calls nest.
func (c *CPU) DisableInterrupts() {
	c.irqDisabled.Add(1)
}

// EnableInterrupts undoes one DisableInterrupts.
func (c *CPU) EnableInterrupts() {
	if c.irqDisabled.Add(-1) < 0 {
		panic("unbalanced EnableInterrupts")
	}
}

// InterruptsEnabled returns true if interrupts are not masked.
func (c *CPU) InterruptsEnabled() bool {
	return c.irqDisabled.Load() == 0
}

// SaveFPU stores the live floating point state of ac, if the CPU holds it,
// into ac.FPU.
func (c *CPU) SaveFPU(ac *arch.Context) {
	if c.fpuOwner == ac {
		ac.FPU = c.fpu
	}
}

// DropFPU discards the live floating point state of ac. It must be called
// after ac.FPU is replaced wholesale.
func (c *CPU) DropFPU(ac *arch.Context) {
	if c.fpuOwner == ac {
		c.fpuOwner = nil
	}
}

// fpuFor loads ac's floating point state into the CPU if needed.
func (c *CPU) fpuFor(ac *arch.Context) *arch.FloatingPointData {
	if c.fpuOwner != ac {
		c.fpu = ac.FPU
		c.fpuOwner = ac
	}
	ac.FPUUsed = true
	return &c.fpu
}

// Switch implements platform.Context.Switch.
func (c *CPU) Switch(_ context.Context, mm platform.MMU, ac *arch.Context) (*linux.SignalInfo, hostarch.AccessType, error) {
	if !c.InterruptsEnabled() {
		panic("Switch called with interrupts disabled")
	}
	var executed uint64
	defer func() { instructionsMetric.IncrementBy(executed) }()

	var buf [arch.InstructionSize]byte
	for {
		if c.interrupted.Swap(false) {
			userExitsMetric.Increment("interrupt")
			return nil, hostarch.NoAccess, platform.ErrContextInterrupt
		}
		if c.used >= c.quantum {
			c.used = 0
			c.ticks.Add(1)
			userExitsMetric.Increment("interrupt")
			return nil, hostarch.NoAccess, platform.ErrContextInterrupt
		}

		pc := ac.IP()
		if platform.IsTrampoline(pc) {
			userExitsMetric.Increment("trampoline")
			return nil, hostarch.NoAccess, platform.ErrContextTrampoline
		}
		if info := access(mm, pc, buf[:], hostarch.Execute); info != nil {
			userExitsMetric.Increment("signal")
			return info, hostarch.Execute, platform.ErrContextSignal
		}
		c.used++
		executed++

		syscall, info, at := c.execute(mm, ac, arch.Decode(buf[:]))
		if info != nil {
			userExitsMetric.Increment("signal")
			return info, at, platform.ErrContextSignal
		}
		if syscall {
			userExitsMetric.Increment("syscall")
			return nil, hostarch.NoAccess, nil
		}
	}
}

// execute runs a single instruction. On a trap the instruction pointer is
// left at the instruction.
func (c *CPU) execute(mm platform.MMU, ac *arch.Context, ins arch.Instruction) (syscall bool, info *linux.SignalInfo, at hostarch.AccessType) {
	pc := ac.IP()
	next := pc + arch.InstructionSize
	illegal := func(code int32) (bool, *linux.SignalInfo, hostarch.AccessType) {
		return false, &linux.SignalInfo{Signo: int32(linux.SIGILL), Code: code, Addr: uint64(pc)}, hostarch.NoAccess
	}
	if !ins.Op.Valid() {
		return illegal(linux.ILL_ILLOPC)
	}
	if !validOperands(ins) {
		return illegal(linux.ILL_ILLOPN)
	}

	switch ins.Op {
	case arch.OpNOP:
	case arch.OpMOVI:
		ac.SetReg(ins.Rd, uint64(ins.Imm))
	case arch.OpMOV:
		ac.SetReg(ins.Rd, ac.Reg(ins.Rs))
	case arch.OpADD:
		ac.SetReg(ins.Rd, ac.Reg(ins.Rs)+ac.Reg(ins.Rt))
	case arch.OpADDI:
		ac.SetReg(ins.Rd, ac.Reg(ins.Rs)+uint64(ins.Imm))
	case arch.OpSUB:
		ac.SetReg(ins.Rd, ac.Reg(ins.Rs)-ac.Reg(ins.Rt))
	case arch.OpMUL:
		ac.SetReg(ins.Rd, ac.Reg(ins.Rs)*ac.Reg(ins.Rt))
	case arch.OpDIV:
		d := int64(ac.Reg(ins.Rt))
		if d == 0 {
			return false, &linux.SignalInfo{Signo: int32(linux.SIGFPE), Code: linux.FPE_INTDIV, Addr: uint64(pc)}, hostarch.NoAccess
		}
		ac.SetReg(ins.Rd, uint64(int64(ac.Reg(ins.Rs))/d))
	case arch.OpLDB, arch.OpLDQ:
		var b [8]byte
		n := 8
		if ins.Op == arch.OpLDB {
			n = 1
		}
		addr := hostarch.Addr(ac.Reg(ins.Rs) + uint64(ins.Imm))
		if info := access(mm, addr, b[:n], hostarch.Read); info != nil {
			return false, info, hostarch.Read
		}
		ac.SetReg(ins.Rd, binary.LittleEndian.Uint64(b[:]))
	case arch.OpSTB, arch.OpSTQ:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], ac.Reg(ins.Rs))
		n := 8
		if ins.Op == arch.OpSTB {
			n = 1
		}
		addr := hostarch.Addr(ac.Reg(ins.Rd) + uint64(ins.Imm))
		if info := access(mm, addr, b[:n], hostarch.Write); info != nil {
			return false, info, hostarch.Write
		}
	case arch.OpJMP:
		next = hostarch.Addr(ins.Imm)
	case arch.OpJZ:
		if ac.Reg(ins.Rs) == 0 {
			next = hostarch.Addr(ins.Imm)
		}
	case arch.OpJNZ:
		if ac.Reg(ins.Rs) != 0 {
			next = hostarch.Addr(ins.Imm)
		}
	case arch.OpCALL:
		if len(ac.Calls) >= arch.MaxCallDepth {
			return false, &linux.SignalInfo{Signo: int32(linux.SIGSEGV), Code: linux.SEGV_MAPERR, Addr: ac.Regs.SP}, hostarch.Write
		}
		ac.Calls = append(ac.Calls, uint64(next))
		next = hostarch.Addr(ins.Imm)
	case arch.OpRET:
		if len(ac.Calls) == 0 {
			return false, &linux.SignalInfo{Signo: int32(linux.SIGSEGV), Code: linux.SEGV_MAPERR, Addr: ac.Regs.SP}, hostarch.Read
		}
		next = hostarch.Addr(ac.Calls[len(ac.Calls)-1])
		ac.Calls = ac.Calls[:len(ac.Calls)-1]
	case arch.OpSYSCALL:
		syscall = true
	case arch.OpFMOVI:
		c.fpuFor(ac)[ins.Rd] = float64(ins.Imm)
	case arch.OpFADD:
		f := c.fpuFor(ac)
		f[ins.Rd] = f[ins.Rs] + f[ins.Rt]
	case arch.OpFTOI:
		ac.SetReg(ins.Rd, uint64(int64(c.fpuFor(ac)[ins.Rs])))
	}
	ac.SetIP(next)
	return syscall, nil, hostarch.NoAccess
}

// validOperands returns true if every register operand of ins names a
// register.
func validOperands(ins arch.Instruction) bool {
	fp := func(n uint8) bool { return n < arch.NumFPRegs }
	switch ins.Op {
	case arch.OpMOVI:
		return arch.ValidReg(ins.Rd)
	case arch.OpMOV, arch.OpADDI, arch.OpLDB, arch.OpLDQ, arch.OpSTB, arch.OpSTQ:
		return arch.ValidReg(ins.Rd) && arch.ValidReg(ins.Rs)
	case arch.OpADD, arch.OpSUB, arch.OpMUL, arch.OpDIV:
		return arch.ValidReg(ins.Rd) && arch.ValidReg(ins.Rs) && arch.ValidReg(ins.Rt)
	case arch.OpJZ, arch.OpJNZ:
		return arch.ValidReg(ins.Rs)
	case arch.OpFMOVI:
		return fp(ins.Rd)
	case arch.OpFADD:
		return fp(ins.Rd) && fp(ins.Rs) && fp(ins.Rt)
	case arch.OpFTOI:
		return arch.ValidReg(ins.Rd) && fp(ins.Rs)
	default:
		return true
	}
}

// access copies between b and user memory at addr, one page at a time. It
// returns a SIGSEGV description if a page does not permit the access.
func access(mm platform.MMU, addr hostarch.Addr, b []byte, at hostarch.AccessType) *linux.SignalInfo {
	for len(b) > 0 {
		page, present, ok := mm.Access(addr, at)
		if !ok {
			code := int32(linux.SEGV_MAPERR)
			if present {
				code = linux.SEGV_ACCERR
			}
			return &linux.SignalInfo{Signo: int32(linux.SIGSEGV), Code: code, Addr: uint64(addr)}
		}
		off := addr.PageOffset()
		var n int
		if at.Write {
			n = copy(page[off:], b)
		} else {
			n = copy(b, page[off:])
		}
		b = b[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}
