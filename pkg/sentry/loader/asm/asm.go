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

// Package asm assembles programs for the interpreted CPU into loader
// images.
//
// Syntax, one statement per line:
//
//	label:                  defines label at the current position
//	movi r1, msg+4          instructions, see arch.Instruction.String
//	ldq r2, [sp+8]          memory operands are [reg], [reg+imm], [reg-imm]
//	sys write               expands to "movi r0, SYS_WRITE" and "syscall"
//	.text / .data           selects the section
//	.ascii "s" / .asciz "s" string data (Go string literal syntax)
//	.quad v, ... / .byte v  integer data; v may name a label
//	.zero n                 n zero bytes
//	.entry label            entry point (default _start, else the base)
//	.needs lib              links the shared library lib
//	.base addr              load address (required for libraries)
//
// Comments start with ';' or '#'.
package asm

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/mm"
)

// Options configures Assemble.
type Options struct {
	// Kind is the kind of image to produce.
	Kind loader.Kind

	// Base is the load address. For executables it defaults to
	// mm.TextBase. A .base directive overrides it.
	Base hostarch.Addr

	// Externs are symbols defined outside the source, such as library
	// entry points.
	Externs map[string]hostarch.Addr
}

type section int

const (
	secText section = iota
	secData
)

type labelRef struct {
	sec section
	off uint64
}

type stmt struct {
	line int
	sec  section
	off  uint64
	op   string
	args []string
}

type assembler struct {
	opts   Options
	stmts  []stmt
	labels map[string]labelRef
	size   [2]uint64
	needs  []string
	entry  string
	base   hostarch.Addr
}

var (
	labelRE = regexp.MustCompile(`^([A-Za-z_.][A-Za-z0-9_.]*):`)
	identRE = regexp.MustCompile(`^[A-Za-z_.][A-Za-z0-9_.]*$`)

	syscallNumbers = func() map[string]uintptr {
		m := make(map[string]uintptr, len(linux.SyscallNames))
		for nr, name := range linux.SyscallNames {
			m[name] = nr
		}
		return m
	}()
)

// Assemble assembles src.
func Assemble(src string, opts Options) (*loader.Image, error) {
	a := &assembler{
		opts:   opts,
		labels: make(map[string]labelRef),
		base:   opts.Base,
	}
	if a.base == 0 && opts.Kind == loader.KindExecutable {
		a.base = mm.TextBase
	}
	if err := a.layout(src); err != nil {
		return nil, err
	}
	if a.base == 0 || !a.base.IsPageAligned() {
		return nil, fmt.Errorf("no valid base address for %v", opts.Kind)
	}
	return a.encode()
}

// stripComment removes a trailing comment, ignoring comment characters
// inside string literals.
func stripComment(line string) string {
	inQuote, escaped := false, false
	for i, c := range line {
		switch {
		case escaped:
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case !inQuote && (c == ';' || c == '#'):
			return line[:i]
		}
	}
	return line
}

func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	args := strings.Split(s, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return args
}

// layout parses src, assigns section offsets and records labels.
func (a *assembler) layout(src string) error {
	sec := secText
	for i, raw := range strings.Split(src, "\n") {
		lineno := i + 1
		line := strings.TrimSpace(stripComment(raw))
		for {
			m := labelRE.FindStringSubmatch(line)
			if m == nil {
				break
			}
			name := m[1]
			if _, ok := a.labels[name]; ok {
				return fmt.Errorf("line %d: label %q redefined", lineno, name)
			}
			a.labels[name] = labelRef{sec: sec, off: a.size[sec]}
			line = strings.TrimSpace(line[len(m[0]):])
		}
		if line == "" {
			continue
		}

		op, rest, _ := strings.Cut(line, " ")
		if j := strings.IndexByte(op, '\t'); j >= 0 {
			op, rest = op[:j], op[j+1:]+" "+rest
		}
		op = strings.ToLower(op)
		rest = strings.TrimSpace(rest)

		st := stmt{line: lineno, sec: sec, off: a.size[sec], op: op}
		var size uint64
		switch op {
		case ".text":
			sec = secText
			continue
		case ".data":
			sec = secData
			continue
		case ".entry":
			a.entry = rest
			continue
		case ".needs":
			if rest == "" {
				return fmt.Errorf("line %d: .needs requires a library name", lineno)
			}
			a.needs = append(a.needs, rest)
			continue
		case ".base":
			v, err := strconv.ParseUint(rest, 0, 64)
			if err != nil {
				return fmt.Errorf("line %d: bad base %q", lineno, rest)
			}
			if len(a.stmts) != 0 {
				return fmt.Errorf("line %d: .base after code", lineno)
			}
			a.base = hostarch.Addr(v)
			continue
		case ".ascii", ".asciz":
			s, err := strconv.Unquote(rest)
			if err != nil {
				return fmt.Errorf("line %d: bad string %s", lineno, rest)
			}
			st.args = []string{s}
			size = uint64(len(s))
			if op == ".asciz" {
				size++
			}
		case ".zero":
			n, err := strconv.ParseUint(rest, 0, 32)
			if err != nil {
				return fmt.Errorf("line %d: bad size %q", lineno, rest)
			}
			st.args = []string{rest}
			size = n
		case ".quad", ".byte":
			st.args = splitArgs(rest)
			if len(st.args) == 0 {
				return fmt.Errorf("line %d: %s requires a value", lineno, op)
			}
			width := uint64(8)
			if op == ".byte" {
				width = 1
			}
			size = width * uint64(len(st.args))
		case "sys":
			if _, ok := syscallNumbers[rest]; !ok {
				return fmt.Errorf("line %d: unknown system call %q", lineno, rest)
			}
			st.args = []string{rest}
			size = 2 * arch.InstructionSize
		default:
			if _, ok := arch.LookupOpcode(op); !ok {
				return fmt.Errorf("line %d: unknown instruction %q", lineno, op)
			}
			st.args = splitArgs(rest)
			size = arch.InstructionSize
		}
		if sec == secData && !strings.HasPrefix(op, ".") {
			return fmt.Errorf("line %d: instruction %q in .data", lineno, op)
		}
		a.stmts = append(a.stmts, st)
		a.size[sec] += size
	}
	return nil
}

func (a *assembler) dataBase() hostarch.Addr {
	sz, _ := hostarch.PageRoundUp(a.size[secText])
	return a.base + hostarch.Addr(sz)
}

func (a *assembler) symbol(name string) (hostarch.Addr, bool) {
	if l, ok := a.labels[name]; ok {
		if l.sec == secText {
			return a.base + hostarch.Addr(l.off), true
		}
		return a.dataBase() + hostarch.Addr(l.off), true
	}
	addr, ok := a.opts.Externs[name]
	return addr, ok
}

// expr evaluates a sum of numbers and symbols.
func (a *assembler) expr(s string) (int64, error) {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, fmt.Errorf("missing operand")
	}
	var total int64
	sign := int64(1)
	for s != "" {
		// A leading sign applies to the next term.
		switch s[0] {
		case '+':
			s = s[1:]
			continue
		case '-':
			sign = -sign
			s = s[1:]
			continue
		}
		end := strings.IndexAny(s, "+-")
		if end < 0 {
			end = len(s)
		}
		term := s[:end]
		s = s[end:]

		var v int64
		if n, err := strconv.ParseInt(term, 0, 64); err == nil {
			v = n
		} else if n, err := strconv.ParseUint(term, 0, 64); err == nil {
			v = int64(n)
		} else if identRE.MatchString(term) {
			addr, ok := a.symbol(term)
			if !ok {
				return 0, fmt.Errorf("undefined symbol %q", term)
			}
			v = int64(addr)
		} else {
			return 0, fmt.Errorf("bad operand %q", term)
		}
		total += sign * v
		sign = 1
	}
	return total, nil
}

func parseReg(s string) (uint8, error) {
	if s == "sp" {
		return arch.RegSP, nil
	}
	if len(s) == 2 && s[0] == 'r' && s[1] >= '0' && s[1] < '0'+arch.NumGPRs {
		return s[1] - '0', nil
	}
	return 0, fmt.Errorf("bad register %q", s)
}

func parseFReg(s string) (uint8, error) {
	if len(s) == 2 && s[0] == 'f' && s[1] >= '0' && s[1] < '0'+arch.NumFPRegs {
		return s[1] - '0', nil
	}
	return 0, fmt.Errorf("bad floating point register %q", s)
}

// mem parses [reg], [reg+expr] and [reg-expr].
func (a *assembler) mem(s string) (uint8, int64, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, 0, fmt.Errorf("bad memory operand %q", s)
	}
	s = strings.TrimSpace(s[1 : len(s)-1])
	end := strings.IndexAny(s, "+-")
	if end < 0 {
		r, err := parseReg(s)
		return r, 0, err
	}
	r, err := parseReg(strings.TrimSpace(s[:end]))
	if err != nil {
		return 0, 0, err
	}
	off, err := a.expr(s[end:])
	return r, off, err
}

// operandCount is the number of operands of each instruction.
var operandCount = map[arch.Opcode]int{
	arch.OpNOP: 0, arch.OpRET: 0, arch.OpSYSCALL: 0,
	arch.OpJMP: 1, arch.OpCALL: 1,
	arch.OpMOVI: 2, arch.OpMOV: 2, arch.OpJZ: 2, arch.OpJNZ: 2,
	arch.OpLDB: 2, arch.OpLDQ: 2, arch.OpSTB: 2, arch.OpSTQ: 2,
	arch.OpFMOVI: 2, arch.OpFTOI: 2,
	arch.OpADD: 3, arch.OpADDI: 3, arch.OpSUB: 3, arch.OpMUL: 3,
	arch.OpDIV: 3, arch.OpFADD: 3,
}

// instruction encodes st.
func (a *assembler) instruction(st *stmt) (arch.Instruction, error) {
	op, _ := arch.LookupOpcode(st.op)
	ins := arch.Instruction{Op: op}
	want := operandCount[op]
	if len(st.args) != want {
		return ins, fmt.Errorf("%s takes %d operands, got %d", st.op, want, len(st.args))
	}

	var err error
	regs := func(dst ...*uint8) {
		for i, d := range dst {
			if err == nil {
				*d, err = parseReg(st.args[i])
			}
		}
	}
	fregs := func(dst ...*uint8) {
		for i, d := range dst {
			if err == nil {
				*d, err = parseFReg(st.args[i])
			}
		}
	}
	switch op {
	case arch.OpMOVI:
		regs(&ins.Rd)
		if err == nil {
			ins.Imm, err = a.expr(st.args[1])
		}
	case arch.OpMOV:
		regs(&ins.Rd, &ins.Rs)
	case arch.OpADD, arch.OpSUB, arch.OpMUL, arch.OpDIV:
		regs(&ins.Rd, &ins.Rs, &ins.Rt)
	case arch.OpADDI:
		regs(&ins.Rd, &ins.Rs)
		if err == nil {
			ins.Imm, err = a.expr(st.args[2])
		}
	case arch.OpLDB, arch.OpLDQ:
		regs(&ins.Rd)
		if err == nil {
			ins.Rs, ins.Imm, err = a.mem(st.args[1])
		}
	case arch.OpSTB, arch.OpSTQ:
		ins.Rd, ins.Imm, err = a.mem(st.args[0])
		if err == nil {
			ins.Rs, err = parseReg(st.args[1])
		}
	case arch.OpJMP, arch.OpCALL:
		ins.Imm, err = a.expr(st.args[0])
	case arch.OpJZ, arch.OpJNZ:
		ins.Rs, err = parseReg(st.args[0])
		if err == nil {
			ins.Imm, err = a.expr(st.args[1])
		}
	case arch.OpFMOVI:
		fregs(&ins.Rd)
		if err == nil {
			ins.Imm, err = a.expr(st.args[1])
		}
	case arch.OpFADD:
		fregs(&ins.Rd, &ins.Rs, &ins.Rt)
	case arch.OpFTOI:
		ins.Rd, err = parseReg(st.args[0])
		if err == nil {
			ins.Rs, err = parseFReg(st.args[1])
		}
	}
	return ins, err
}

// encode resolves operands and produces the image.
func (a *assembler) encode() (*loader.Image, error) {
	out := [2][]byte{
		make([]byte, a.size[secText]),
		make([]byte, a.size[secData]),
	}
	for i := range a.stmts {
		st := &a.stmts[i]
		b := out[st.sec][st.off:]
		var err error
		switch st.op {
		case ".ascii", ".asciz":
			copy(b, st.args[0])
		case ".zero":
		case ".quad", ".byte":
			for j, arg := range st.args {
				var v int64
				if v, err = a.expr(arg); err != nil {
					break
				}
				if st.op == ".byte" {
					b[j] = byte(v)
				} else {
					binary.LittleEndian.PutUint64(b[j*8:], uint64(v))
				}
			}
		case "sys":
			arch.Instruction{Op: arch.OpMOVI, Rd: 0, Imm: int64(syscallNumbers[st.args[0]])}.Encode(b)
			arch.Instruction{Op: arch.OpSYSCALL}.Encode(b[arch.InstructionSize:])
		default:
			var ins arch.Instruction
			if ins, err = a.instruction(st); err == nil {
				ins.Encode(b)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", st.line, err)
		}
	}

	img := &loader.Image{
		Kind:    a.opts.Kind,
		Base:    a.base,
		Entry:   a.base,
		Text:    out[secText],
		Data:    out[secData],
		Needs:   a.needs,
		Symbols: make(map[string]hostarch.Addr, len(a.labels)),
	}
	for name := range a.labels {
		img.Symbols[name], _ = a.symbol(name)
	}
	entry := a.entry
	if entry == "" {
		if _, ok := a.labels["_start"]; ok {
			entry = "_start"
		}
	}
	if entry != "" {
		addr, ok := a.symbol(entry)
		if !ok {
			return nil, fmt.Errorf("undefined entry point %q", entry)
		}
		img.Entry = addr
	}
	return img, nil
}
