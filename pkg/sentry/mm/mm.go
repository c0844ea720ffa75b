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

// Package mm provides a memory management subsystem: the address space of a
// task, its mappings, and the resolution of its page faults.
//
// Lock order:
//
//	MemoryManager.mu
//	  memmap.SharedPages.mu
//	    pgalloc.MemoryFile.mu
//
// MemoryManager.mu is never held while calling memmap.Mappable.Propagate,
// which takes the locks of other MemoryManagers.
package mm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"kcore.dev/kcore/pkg/bitmap"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/ring0/pagetables"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/vfs"
	"kcore.dev/kcore/pkg/sync"
)

// Fixed user address space layout.
const (
	// TextBase is where program images are loaded.
	TextBase hostarch.Addr = 0x0040_0000

	// LibraryBase is where the first shared library is mapped. Library i is
	// mapped at LibraryBase + i*LibrarySlot.
	LibraryBase hostarch.Addr = 0x2000_0000
	LibrarySlot               = hostarch.RegionSize

	// ArgsBase is where argv and envp are copied. The argument block may
	// occupy at most ArgsSize bytes.
	ArgsBase hostarch.Addr = 0x0800_0000
	ArgsSize               = hostarch.RegionSize

	// StackBase and StackTop bound the stack. Only the top StackPopulated
	// bytes are populated when the stack is created; the rest is filled on
	// demand.
	StackBase      hostarch.Addr = 0x0840_0000
	StackTop       hostarch.Addr = 0x0880_0000
	StackPopulated               = 4 * hostarch.PageSize

	// BrkBase is the initial program break, just above the stack.
	BrkBase = StackTop

	// MmapBase is the lowest address chosen for non-fixed mappings.
	MmapBase hostarch.Addr = 0x4000_0000
)

var (
	faultsMetric = metric.MustCreateNewUint64Metric("kcore_mm_page_faults_total",
		"Page faults by resolution.",
		metric.NewField("resolution", "cow_copy", "cow_claim", "fill_anon", "fill_file", "fill_shared", "fixup", "unresolved"))
	mappingsMetric = metric.MustCreateNewUint64Metric("kcore_mm_mappings_created_total",
		"Mappings created by mmap, brk and the loader.")
)

// regionKind describes how the pages of a pageRegion came to be.
type regionKind int

const (
	// regionDirect pages were populated eagerly: program images, the
	// argument block and the top of the stack.
	regionDirect regionKind = iota

	// regionCOW pages were shared with another address space by fork.
	regionCOW

	// regionPaged pages are filled on demand by faults.
	regionPaged
)

// String implements fmt.Stringer.String.
func (k regionKind) String() string {
	switch k {
	case regionDirect:
		return "direct"
	case regionCOW:
		return "cow"
	case regionPaged:
		return "paged"
	default:
		return fmt.Sprintf("regionKind(%d)", int(k))
	}
}

// pageRegion is the bookkeeping for one hostarch.RegionSize-aligned span of
// the page tables.
type pageRegion struct {
	base hostarch.Addr
	kind regionKind

	// owned has a bit per page that this address space privately owns.
	// Pages without the bit share their frame with another address space
	// or a memmap.Mappable.
	owned bitmap.Bitmap

	// pages is the number of mapped pages in the region.
	pages int
}

// vma is a mapped byte range of the address space.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr

	perms hostarch.AccessType

	// private is false for MAP_SHARED mappings.
	private bool

	// file, if not nil, is the backing file; off is the file offset mapped
	// at start. The vma holds a reference on file.
	file *vfs.FileDescription
	off  uint64

	// mappable, if not nil, provides frames for the mapping. Shared
	// mappings write through it; private mappings of it are copy-on-write.
	// The vma holds a reference on mappable and is linked to it.
	mappable memmap.Mappable

	name string
}

func (v *vma) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.start, End: v.end}
}

// pgoff returns the offset in pages, relative to the backing object, of the
// page at addr.
func (v *vma) pgoff(addr hostarch.Addr) uint64 {
	return (v.off + uint64(addr-v.start)) / hostarch.PageSize
}

// anonymous returns true if v is private memory with no backing object.
func (v *vma) anonymous() bool {
	return v.file == nil && v.mappable == nil && v.private
}

func vmaLess(a, b *vma) bool {
	return a.start < b.start
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	mf *pgalloc.MemoryFile
	y  sync.Yielder

	// users is the number of references on the MemoryManager. When it
	// drops to zero the address space is released.
	users atomic.Int32

	// mu serializes every operation. It is a cooperative lock: a task that
	// cannot take it yields to the scheduler.
	mu *sync.Semaphore

	// vmas is the set of mappings, ordered by start address. No two vmas
	// overlap.
	vmas *btree.BTreeG[*vma]

	// regions is the unordered list of page regions with mapped pages.
	regions []*pageRegion

	// pt are the page tables installed when a task using this address
	// space runs.
	pt *pagetables.PageTables

	// brk is the program break: [brk.Start, brk.End) is the heap.
	brk hostarch.AddrRange

	released bool
}

// NewMemoryManager returns an empty address space holding one user
// reference. Frames are allocated from mf. y is used to wait for the
// MemoryManager's lock; if nil, waiters yield the host goroutine.
func NewMemoryManager(mf *pgalloc.MemoryFile, y sync.Yielder) *MemoryManager {
	mm := &MemoryManager{
		mf:   mf,
		y:    y,
		mu:   sync.NewBinarySemaphore(y),
		vmas: btree.NewG[*vma](8, vmaLess),
		pt:   pagetables.New(),
		brk:  hostarch.AddrRange{Start: BrkBase, End: BrkBase},
	}
	mm.users.Store(1)
	return mm
}

// String implements fmt.Stringer.String.
func (mm *MemoryManager) String() string {
	return fmt.Sprintf("mm %p", mm)
}

// MemoryFile returns the frame allocator used by mm.
func (mm *MemoryManager) MemoryFile() *pgalloc.MemoryFile {
	return mm.mf
}

// PageTables returns mm's page tables. Callers must not retain or mutate
// them; they are exposed for the CPU's MMU.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// IncUsers increments mm's user count.
func (mm *MemoryManager) IncUsers() {
	if mm.users.Add(1) <= 1 {
		panic("IncUsers on released MemoryManager")
	}
}

// DecUsers decrements mm's user count, releasing the address space when it
// reaches zero.
func (mm *MemoryManager) DecUsers(ctx context.Context) {
	switch n := mm.users.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic("DecUsers on released MemoryManager")
	}
	mm.release(ctx)
}

// release syncs dirty shared file pages back to their files and then drops
// every mapping.
func (mm *MemoryManager) release(ctx context.Context) {
	mm.syncRange(ctx, hostarch.AddrRange{Start: 0, End: hostarch.UserMax})
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.unmapLocked(ctx, hostarch.AddrRange{Start: 0, End: hostarch.UserMax})
	mm.released = true
}

// regionLocked returns the pageRegion containing addr. If create is true and
// there is none, a region of the given kind is added.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) regionLocked(addr hostarch.Addr, create bool, kind regionKind) *pageRegion {
	base := addr.RegionBase()
	for _, r := range mm.regions {
		if r.base == base {
			return r
		}
	}
	if !create {
		return nil
	}
	r := &pageRegion{base: base, kind: kind, owned: bitmap.New(hostarch.PagesPerRegion)}
	mm.regions = append(mm.regions, r)
	return r
}

// mapPageLocked installs frame at addr. The reference on frame is
// transferred to mm. Any frame previously mapped at addr is released.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) mapPageLocked(addr hostarch.Addr, frame pgalloc.Frame, perms hostarch.AccessType, cow, owned bool, kind regionKind) {
	r := mm.regionLocked(addr, true, kind)
	old, replaced := mm.pt.Map(addr, frame, perms, cow)
	if replaced {
		mm.mf.DecRef(old.Frame)
	} else {
		r.pages++
	}
	if owned {
		r.owned.Add(uint32(addr.RegionPage()))
	} else {
		r.owned.Remove(uint32(addr.RegionPage()))
	}
}

// unmapPageLocked removes the page at addr and drops mm's frame reference.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) unmapPageLocked(addr hostarch.Addr) {
	old, ok := mm.pt.Unmap(addr)
	if !ok {
		return
	}
	mm.mf.DecRef(old.Frame)
	r := mm.regionLocked(addr, false, regionPaged)
	if r == nil {
		panic(fmt.Sprintf("mapped page %v has no region", addr))
	}
	r.owned.Remove(uint32(addr.RegionPage()))
	r.pages--
	if r.pages == 0 {
		for i, other := range mm.regions {
			if other == r {
				mm.regions = append(mm.regions[:i], mm.regions[i+1:]...)
				break
			}
		}
	}
}

// ownsLocked returns true if mm privately owns the page at addr.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) ownsLocked(addr hostarch.Addr) bool {
	r := mm.regionLocked(addr, false, regionPaged)
	return r != nil && r.owned.Has(uint32(addr.RegionPage()))
}

// Fork returns a copy-on-write duplicate of mm, holding one user reference.
//
// Private writable pages become read-only and copy-on-write in both address
// spaces; the first write from either side privately duplicates the frame.
// Shared mappings keep sharing frames.
func (mm *MemoryManager) Fork(ctx context.Context) (*MemoryManager, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return nil, fmt.Errorf("fork of released %v", mm)
	}

	child := NewMemoryManager(mm.mf, mm.y)
	child.brk = mm.brk
	mm.vmas.Ascend(func(v *vma) bool {
		c := *v
		if c.file != nil {
			c.file.IncRef()
		}
		if c.mappable != nil {
			c.mappable.IncRef()
			c.mappable.AddMapping(child)
		}
		child.vmas.ReplaceOrInsert(&c)
		return true
	})

	for _, r := range mm.regions {
		r.kind = regionCOW
		r.owned.Reset()
	}
	for _, addr := range mm.pt.MappedIn(hostarch.AddrRange{Start: 0, End: hostarch.UserMax}) {
		pte, _ := mm.pt.Lookup(addr)
		v := mm.findVMALocked(addr)
		mm.mf.IncRef(pte.Frame)
		switch {
		case v == nil || !v.private:
			child.mapPageLocked(addr, pte.Frame, pte.Perms, false, false, regionCOW)
		case v.perms.Write:
			mm.pt.Protect(addr, v.perms, true)
			child.mapPageLocked(addr, pte.Frame, v.perms, true, false, regionCOW)
		default:
			child.mapPageLocked(addr, pte.Frame, pte.Perms, pte.COW, false, regionCOW)
		}
	}
	return child, nil
}

// MappingInfo describes one mapping, for debugging and tests.
type MappingInfo struct {
	Start   hostarch.Addr
	End     hostarch.Addr
	Perms   hostarch.AccessType
	Private bool
	Offset  uint64
	Name    string
}

// String renders m in the style of /proc/[pid]/maps.
func (m MappingInfo) String() string {
	p := "p"
	if !m.Private {
		p = "s"
	}
	s := fmt.Sprintf("%08x-%08x %s%s %08x", uint64(m.Start), uint64(m.End), m.Perms, p, m.Offset)
	if m.Name != "" {
		s += " " + m.Name
	}
	return s
}

// Mappings returns mm's mappings in address order.
func (mm *MemoryManager) Mappings() []MappingInfo {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var ms []MappingInfo
	mm.vmas.Ascend(func(v *vma) bool {
		ms = append(ms, MappingInfo{
			Start:   v.start,
			End:     v.end,
			Perms:   v.perms,
			Private: v.private,
			Offset:  v.off,
			Name:    v.name,
		})
		return true
	})
	return ms
}

// ResidentPages returns the number of pages mapped in mm's page tables.
func (mm *MemoryManager) ResidentPages() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.pt.Len()
}

// Regions returns the number of page regions in use, by kind.
func (mm *MemoryManager) Regions() map[string]int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	counts := make(map[string]int)
	for _, r := range mm.regions {
		counts[r.kind.String()]++
	}
	return counts
}
