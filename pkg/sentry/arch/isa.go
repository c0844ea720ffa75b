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

package arch

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the size of an encoded instruction in bytes.
//
// Encoding: op, rd, rs, rt (one byte each), four bytes of padding, then a
// little-endian 64-bit immediate.
const InstructionSize = 16

// Opcode identifies an instruction.
type Opcode uint8

// Opcodes.
const (
	OpNOP Opcode = iota
	OpMOVI
	OpMOV
	OpADD
	OpADDI
	OpSUB
	OpMUL
	OpDIV
	OpLDB
	OpSTB
	OpLDQ
	OpSTQ
	OpJMP
	OpJZ
	OpJNZ
	OpCALL
	OpRET
	OpSYSCALL
	OpFMOVI
	OpFADD
	OpFTOI

	numOpcodes
)

var opNames = [...]string{
	OpNOP:     "nop",
	OpMOVI:    "movi",
	OpMOV:     "mov",
	OpADD:     "add",
	OpADDI:    "addi",
	OpSUB:     "sub",
	OpMUL:     "mul",
	OpDIV:     "div",
	OpLDB:     "ldb",
	OpSTB:     "stb",
	OpLDQ:     "ldq",
	OpSTQ:     "stq",
	OpJMP:     "jmp",
	OpJZ:      "jz",
	OpJNZ:     "jnz",
	OpCALL:    "call",
	OpRET:     "ret",
	OpSYSCALL: "syscall",
	OpFMOVI:   "fmovi",
	OpFADD:    "fadd",
	OpFTOI:    "ftoi",
}

// Valid returns true if op is a defined opcode.
func (op Opcode) Valid() bool {
	return op < numOpcodes
}

// String implements fmt.Stringer.String.
func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(%#x)", uint8(op))
	}
	return opNames[op]
}

// LookupOpcode returns the opcode with the given mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	for op, n := range opNames {
		if n == name {
			return Opcode(op), true
		}
	}
	return 0, false
}

// Instruction is a decoded instruction.
//
// Loads use Rd as the destination and Rs as the base register. Stores use Rd
// as the base register and Rs as the source. Branch targets are absolute
// addresses in Imm. FP instructions name FP registers in Rd, Rs and Rt,
// except FTOI whose Rd is an integer register.
type Instruction struct {
	Op  Opcode
	Rd  uint8
	Rs  uint8
	Rt  uint8
	Imm int64
}

// Encode writes the encoding of ins into b, which must be at least
// InstructionSize bytes long.
func (ins Instruction) Encode(b []byte) {
	_ = b[InstructionSize-1]
	b[0] = byte(ins.Op)
	b[1] = ins.Rd
	b[2] = ins.Rs
	b[3] = ins.Rt
	clear(b[4:8])
	binary.LittleEndian.PutUint64(b[8:], uint64(ins.Imm))
}

// Bytes returns the encoding of ins.
func (ins Instruction) Bytes() []byte {
	b := make([]byte, InstructionSize)
	ins.Encode(b)
	return b
}

// Decode decodes the instruction at the start of b, which must be at least
// InstructionSize bytes long. The opcode is not validated.
func Decode(b []byte) Instruction {
	_ = b[InstructionSize-1]
	return Instruction{
		Op:  Opcode(b[0]),
		Rd:  b[1],
		Rs:  b[2],
		Rt:  b[3],
		Imm: int64(binary.LittleEndian.Uint64(b[8:])),
	}
}

// RegName returns the assembler name of integer register n.
func RegName(n uint8) string {
	if n == RegSP {
		return "sp"
	}
	return fmt.Sprintf("r%d", n)
}

func memOperand(base uint8, off int64) string {
	switch {
	case off == 0:
		return fmt.Sprintf("[%s]", RegName(base))
	case off < 0:
		return fmt.Sprintf("[%s-%d]", RegName(base), -off)
	default:
		return fmt.Sprintf("[%s+%d]", RegName(base), off)
	}
}

// String returns the assembler form of ins.
func (ins Instruction) String() string {
	switch ins.Op {
	case OpNOP, OpRET, OpSYSCALL:
		return ins.Op.String()
	case OpMOVI:
		return fmt.Sprintf("movi %s, %d", RegName(ins.Rd), ins.Imm)
	case OpMOV:
		return fmt.Sprintf("mov %s, %s", RegName(ins.Rd), RegName(ins.Rs))
	case OpADD, OpSUB, OpMUL, OpDIV:
		return fmt.Sprintf("%s %s, %s, %s", ins.Op, RegName(ins.Rd), RegName(ins.Rs), RegName(ins.Rt))
	case OpADDI:
		return fmt.Sprintf("addi %s, %s, %d", RegName(ins.Rd), RegName(ins.Rs), ins.Imm)
	case OpLDB, OpLDQ:
		return fmt.Sprintf("%s %s, %s", ins.Op, RegName(ins.Rd), memOperand(ins.Rs, ins.Imm))
	case OpSTB, OpSTQ:
		return fmt.Sprintf("%s %s, %s", ins.Op, memOperand(ins.Rd, ins.Imm), RegName(ins.Rs))
	case OpJMP, OpCALL:
		return fmt.Sprintf("%s %#x", ins.Op, ins.Imm)
	case OpJZ, OpJNZ:
		return fmt.Sprintf("%s %s, %#x", ins.Op, RegName(ins.Rs), ins.Imm)
	case OpFMOVI:
		return fmt.Sprintf("fmovi f%d, %d", ins.Rd, ins.Imm)
	case OpFADD:
		return fmt.Sprintf("fadd f%d, f%d, f%d", ins.Rd, ins.Rs, ins.Rt)
	case OpFTOI:
		return fmt.Sprintf("ftoi %s, f%d", RegName(ins.Rd), ins.Rs)
	default:
		return fmt.Sprintf(".quad %#x", uint8(ins.Op))
	}
}
