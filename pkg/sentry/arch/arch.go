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

// Package arch provides the architecture-dependent state of a task: its
// register context, the instruction set its programs are written in, and
// the system call calling convention.
package arch

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
	"kcore.dev/kcore/pkg/hostarch"
)

// Kernel trampoline addresses. Fetching an instruction from one of them
// traps into the kernel instead of faulting.
const (
	// SigreturnAddr is the return address of a signal handler. Returning
	// to it performs rt_sigreturn.
	SigreturnAddr = hostarch.KernelBase + 0x1000

	// ForkReturnAddr is where a forked child resumes. The trampoline sets
	// the return register to 0 and continues at the link register.
	ForkReturnAddr = hostarch.KernelBase + 0x2000
)

// NumGPRs is the number of general purpose registers, R0 to R7.
const NumGPRs = 8

// RegSP is the register number of the stack pointer in instruction
// encodings.
const RegSP = NumGPRs

// NumFPRegs is the number of floating point registers.
const NumFPRegs = 8

// MaxCallDepth bounds the return-address stack. A deeper CALL faults.
const MaxCallDepth = 1024

// Registers is the integer register file.
type Registers struct {
	// R are the general purpose registers. R0 carries the syscall number
	// and return value; R1 to R6 carry syscall arguments.
	R [NumGPRs]uint64

	SP uint64
	PC uint64

	// Link holds a return address for trampolines.
	Link uint64
}

// FloatingPointData is the floating point register file.
type FloatingPointData [NumFPRegs]float64

// Context is the user-mode CPU state of a task.
//
// All fields are exported so that Fork can copy them.
type Context struct {
	Regs Registers

	// Calls is the return-address stack used by CALL and RET.
	Calls []uint64

	// FPU is the saved floating point state. While a task runs, the live
	// state may be held by the CPU; see platform.CPU.SaveFPU.
	FPU FloatingPointData

	// FPUUsed is set once the task executes a floating point instruction.
	FPUUsed bool
}

// New returns a Context that starts executing at entry with the given stack
// pointer.
func New(entry, sp hostarch.Addr) *Context {
	return &Context{Regs: Registers{PC: uint64(entry), SP: uint64(sp)}}
}

// Fork returns a deep copy of c.
func (c *Context) Fork() *Context {
	return deepcopy.Copy(c).(*Context)
}

// Reg returns register n, where RegSP names the stack pointer.
func (c *Context) Reg(n uint8) uint64 {
	if n == RegSP {
		return c.Regs.SP
	}
	return c.Regs.R[n]
}

// SetReg sets register n, where RegSP names the stack pointer.
func (c *Context) SetReg(n uint8, v uint64) {
	if n == RegSP {
		c.Regs.SP = v
		return
	}
	c.Regs.R[n] = v
}

// ValidReg returns true if n names a register.
func ValidReg(n uint8) bool {
	return n <= RegSP
}

// SyscallNo returns the syscall number.
func (c *Context) SyscallNo() uintptr {
	return uintptr(c.Regs.R[0])
}

// SyscallArgs returns the syscall arguments in an array.
func (c *Context) SyscallArgs() SyscallArguments {
	var args SyscallArguments
	for i := range args {
		args[i].Value = uintptr(c.Regs.R[i+1])
	}
	return args
}

// Return returns the return value for a system call.
func (c *Context) Return() uintptr {
	return uintptr(c.Regs.R[0])
}

// SetReturn sets the return value for a system call.
func (c *Context) SetReturn(value uintptr) {
	c.Regs.R[0] = uint64(value)
}

// IP returns the current instruction pointer.
func (c *Context) IP() hostarch.Addr {
	return hostarch.Addr(c.Regs.PC)
}

// SetIP sets the current instruction pointer.
func (c *Context) SetIP(value hostarch.Addr) {
	c.Regs.PC = uint64(value)
}

// Stack returns the current stack pointer.
func (c *Context) Stack() hostarch.Addr {
	return hostarch.Addr(c.Regs.SP)
}

// SetStack sets the current stack pointer.
func (c *Context) SetStack(value hostarch.Addr) {
	c.Regs.SP = uint64(value)
}

// String implements fmt.Stringer.String.
func (c *Context) String() string {
	var b strings.Builder
	for i, r := range c.Regs.R {
		fmt.Fprintf(&b, "r%d=%#x ", i, r)
	}
	fmt.Fprintf(&b, "sp=%#x pc=%#x link=%#x depth=%d", c.Regs.SP, c.Regs.PC, c.Regs.Link, len(c.Calls))
	return b.String()
}

// SyscallArgument is an argument supplied to a syscall implementation. The
// methods used to access the arguments are named after the ***C type name***
// and they convert to the closest Go type available. For example, Int()
// refers to a 32-bit signed integer argument represented in Go as an int32.
type SyscallArgument struct {
	// Prefer to use accessor methods instead of 'Value' directly.
	Value uintptr
}

// SyscallArguments represents the set of arguments passed to a syscall.
type SyscallArguments [6]SyscallArgument

// Pointer returns the hostarch.Addr representation of a pointer argument.
func (a SyscallArgument) Pointer() hostarch.Addr {
	return hostarch.Addr(a.Value)
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint returns the uint32 representation of a 32-bit unsigned integer
// argument.
func (a SyscallArgument) Uint() uint32 {
	return uint32(a.Value)
}

// Int64 returns the int64 representation of a 64-bit signed integer
// argument.
func (a SyscallArgument) Int64() int64 {
	return int64(a.Value)
}

// Uint64 returns the uint64 representation of a 64-bit unsigned integer
// argument.
func (a SyscallArgument) Uint64() uint64 {
	return uint64(a.Value)
}

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint {
	return uint(a.Value)
}
