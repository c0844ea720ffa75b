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

package asm

import (
	"fmt"
	"sort"
	"strings"

	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/arch"
	"kcore.dev/kcore/pkg/sentry/loader"
)

// Disassemble returns a listing of img: its header, the text section as
// instructions and the data section as hex.
func Disassemble(img *loader.Image) string {
	byAddr := make(map[hostarch.Addr][]string)
	for name, addr := range img.Symbols {
		byAddr[addr] = append(byAddr[addr], name)
	}
	for _, names := range byAddr {
		sort.Strings(names)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "; %v base=%#x entry=%#x text=%d data=%d\n", img.Kind, img.Base, img.Entry, len(img.Text), len(img.Data))
	for _, n := range img.Needs {
		fmt.Fprintf(&b, ".needs %s\n", n)
	}
	labels := func(addr hostarch.Addr) {
		for _, name := range byAddr[addr] {
			fmt.Fprintf(&b, "%s:\n", name)
		}
	}

	b.WriteString(".text\n")
	for off := 0; off+arch.InstructionSize <= len(img.Text); off += arch.InstructionSize {
		addr := img.Base + hostarch.Addr(off)
		labels(addr)
		fmt.Fprintf(&b, "\t%#08x\t%v\n", uint64(addr), arch.Decode(img.Text[off:]))
	}
	if len(img.Data) == 0 {
		return b.String()
	}

	b.WriteString(".data\n")
	base := img.DataBase()
	for off := 0; off < len(img.Data); off += 16 {
		end := min(off+16, len(img.Data))
		for a := off; a < end; a++ {
			labels(base + hostarch.Addr(a))
		}
		fmt.Fprintf(&b, "\t%#08x\t% x\n", uint64(base)+uint64(off), img.Data[off:end])
	}
	return b.String()
}
