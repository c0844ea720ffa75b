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

// Package pagetables provides the raw virtual-to-physical mapper consulted by
// the CPU on every user memory access.
package pagetables

import (
	"fmt"
	"sort"

	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

// PTE is a page table entry.
type PTE struct {
	// Frame is the mapped physical frame.
	Frame pgalloc.Frame

	// Perms are the access types the hardware allows.
	Perms hostarch.AccessType

	// COW marks a frame shared copy-on-write. Such entries never permit
	// Write.
	COW bool

	// Accessed and Dirty are set by the CPU.
	Accessed bool
	Dirty    bool
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	s := fmt.Sprintf("frame=%d %v", p.Frame, p.Perms)
	if p.COW {
		s += " cow"
	}
	if p.Dirty {
		s += " dirty"
	}
	return s
}

// PageTables maps page-aligned virtual addresses to frames.
//
// PageTables is not synchronized; its owner serializes access.
type PageTables struct {
	entries map[hostarch.Addr]*PTE
}

// New returns empty page tables.
func New() *PageTables {
	return &PageTables{entries: make(map[hostarch.Addr]*PTE)}
}

func mustAligned(addr hostarch.Addr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned page table address %v", addr))
	}
}

// Map installs a mapping for the page at addr, replacing any previous entry.
// The previous entry is returned so that its frame can be released.
func (p *PageTables) Map(addr hostarch.Addr, frame pgalloc.Frame, perms hostarch.AccessType, cow bool) (PTE, bool) {
	mustAligned(addr)
	if cow {
		perms.Write = false
	}
	old, ok := p.entries[addr]
	p.entries[addr] = &PTE{Frame: frame, Perms: perms, COW: cow}
	if ok {
		return *old, true
	}
	return PTE{}, false
}

// Unmap removes the mapping for the page at addr, returning it.
func (p *PageTables) Unmap(addr hostarch.Addr) (PTE, bool) {
	mustAligned(addr)
	old, ok := p.entries[addr]
	if !ok {
		return PTE{}, false
	}
	delete(p.entries, addr)
	return *old, true
}

// Lookup returns the entry for the page containing addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (PTE, bool) {
	e, ok := p.entries[addr.RoundDown()]
	if !ok {
		return PTE{}, false
	}
	return *e, true
}

// Protect changes the permissions and COW bit of an existing entry. It
// reports whether an entry existed.
func (p *PageTables) Protect(addr hostarch.Addr, perms hostarch.AccessType, cow bool) bool {
	e, ok := p.entries[addr.RoundDown()]
	if !ok {
		return false
	}
	if cow {
		perms.Write = false
	}
	e.Perms = perms
	e.COW = cow
	return true
}

// MarkAccessed sets the accessed bit, and the dirty bit for writes, of the
// entry for addr.
func (p *PageTables) MarkAccessed(addr hostarch.Addr, write bool) {
	if e, ok := p.entries[addr.RoundDown()]; ok {
		e.Accessed = true
		if write {
			e.Dirty = true
		}
	}
}

// ClearDirty clears and returns the dirty bit of the entry for addr.
func (p *PageTables) ClearDirty(addr hostarch.Addr) bool {
	e, ok := p.entries[addr.RoundDown()]
	if !ok {
		return false
	}
	d := e.Dirty
	e.Dirty = false
	return d
}

// Len returns the number of installed entries.
func (p *PageTables) Len() int {
	return len(p.entries)
}

// MappedIn returns the addresses of every installed page in ar, in order.
func (p *PageTables) MappedIn(ar hostarch.AddrRange) []hostarch.Addr {
	var addrs []hostarch.Addr
	if uint64(ar.Length())/hostarch.PageSize < uint64(len(p.entries)) {
		for addr := ar.Start.RoundDown(); addr < ar.End; addr += hostarch.PageSize {
			if _, ok := p.entries[addr]; ok {
				addrs = append(addrs, addr)
			}
		}
		return addrs
	}
	for addr := range p.entries {
		if ar.Contains(addr) {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
