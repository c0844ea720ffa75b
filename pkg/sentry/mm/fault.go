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

package mm

import (
	"context"
	"time"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

// faultLog limits logging of unresolved faults, which a task spinning on a
// bad address would otherwise repeat forever.
var faultLog = log.BasicRateLimitedLogger(100 * time.Millisecond)

// HandleUserFault handles an application page fault at addr for an access of
// type at. present is true if the page was mapped when the fault occurred.
//
// A write to a present copy-on-write page is resolved by giving the page a
// private frame. Otherwise the mapping covering addr is consulted and, if it
// permits the access, the page is filled from its backing object. Any other
// fault fails with EFAULT, which the caller turns into SIGSEGV.
func (mm *MemoryManager) HandleUserFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, present bool) error {
	if !addr.IsUser() {
		faultsMetric.Increment("unresolved")
		return linuxerr.EFAULT
	}
	page := addr.RoundDown()

	mm.mu.Lock()
	if mm.released {
		mm.mu.Unlock()
		return linuxerr.EFAULT
	}
	v := mm.findVMALocked(page)
	if v == nil || !v.perms.Read || !v.perms.SupersetOf(at) {
		mm.mu.Unlock()
		faultsMetric.Increment("unresolved")
		faultLog.Infof("%v: unresolved %v fault at %v", mm, at, addr)
		return linuxerr.EFAULT
	}

	if pte, ok := mm.pt.Lookup(page); ok {
		var err error
		if at.Write && pte.COW {
			err = mm.breakCOWLocked(page, pte.Frame, v)
		} else {
			// The page is mapped with narrower permissions than its
			// mapping, e.g. after a copy-on-write page was claimed by a
			// sibling. Widen them.
			mm.pt.Protect(page, v.perms, pte.COW && v.perms.Write)
			faultsMetric.Increment("fixup")
		}
		mm.mu.Unlock()
		return err
	} else if present {
		// The page was unmapped between the fault and now; fill it.
		log.Debugf("%v: fault at %v raced with unmap", mm, addr)
	}

	m, pgoff, frame, populated, err := mm.fillLocked(ctx, v, page)
	mm.mu.Unlock()
	if err != nil {
		faultsMetric.Increment("unresolved")
		faultLog.Warningf("%v: filling %v failed: %v", mm, page, err)
		return linuxerr.EFAULT
	}
	if m != nil && populated {
		m.Propagate(mm, pgoff, frame)
	}
	return nil
}

// breakCOWLocked gives mm a private copy of the copy-on-write page at addr,
// backed by frame. If mm holds the only reference on frame, the frame is
// claimed without copying.
//
// Preconditions: mm.mu is locked. v covers addr and is writable.
func (mm *MemoryManager) breakCOWLocked(addr hostarch.Addr, frame pgalloc.Frame, v *vma) error {
	if mm.mf.Refs(frame) == 1 {
		mm.pt.Protect(addr, v.perms, false)
		mm.regionLocked(addr, true, regionPaged).owned.Add(uint32(addr.RegionPage()))
		faultsMetric.Increment("cow_claim")
		return nil
	}
	nf, err := mm.mf.Allocate()
	if err != nil {
		faultsMetric.Increment("unresolved")
		return linuxerr.EFAULT
	}
	copy(mm.mf.Bytes(nf), mm.mf.Bytes(frame))
	// mapPageLocked drops mm's reference on the shared frame.
	mm.mapPageLocked(addr, nf, v.perms, false, true, regionCOW)
	faultsMetric.Increment("cow_copy")
	return nil
}

// fillLocked populates the unmapped page at addr from v's backing object.
// If the page came from a Mappable, fillLocked returns it along with the
// page offset and frame, and whether the frame was newly populated.
//
// Preconditions: mm.mu is locked. v covers addr.
func (mm *MemoryManager) fillLocked(ctx context.Context, v *vma, addr hostarch.Addr) (memmap.Mappable, uint64, pgalloc.Frame, bool, error) {
	if v.mappable != nil {
		pgoff := v.pgoff(addr)
		var fill func([]byte) error
		if v.file != nil {
			file := v.file
			fill = func(dst []byte) error {
				_, err := file.PRead(ctx, dst, int64(pgoff*hostarch.PageSize))
				return err
			}
		}
		frame, populated, err := v.mappable.Translate(pgoff, fill)
		if err != nil {
			return nil, 0, 0, false, err
		}
		mm.mf.IncRef(frame)
		// Private mappings of a Mappable see its pages copy-on-write.
		cow := v.private && v.perms.Write
		mm.mapPageLocked(addr, frame, v.perms, cow, false, regionPaged)
		faultsMetric.Increment("fill_shared")
		return v.mappable, pgoff, frame, populated, nil
	}

	frame, err := mm.mf.Allocate()
	if err != nil {
		return nil, 0, 0, false, err
	}
	// Map the page writable while it is filled, then restore the mapping's
	// permissions.
	mm.mapPageLocked(addr, frame, hostarch.ReadWrite, false, true, regionPaged)
	if v.file != nil {
		if _, err := v.file.PRead(ctx, mm.mf.Bytes(frame), int64(v.off+uint64(addr-v.start))); err != nil {
			mm.unmapPageLocked(addr)
			return nil, 0, 0, false, err
		}
		faultsMetric.Increment("fill_file")
	} else {
		faultsMetric.Increment("fill_anon")
	}
	if v.perms != hostarch.ReadWrite {
		mm.pt.Protect(addr, v.perms, false)
	}
	return nil, 0, frame, false, nil
}

// PageResident implements memmap.MappingSpace.PageResident. Pages of m that
// mm maps and has not mapped yet are mapped to frame.
func (mm *MemoryManager) PageResident(m memmap.Mappable, pgoff uint64, frame pgalloc.Frame) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return
	}
	off := pgoff * hostarch.PageSize
	mm.vmas.Ascend(func(v *vma) bool {
		if v.mappable != m || off < v.off || off-v.off >= uint64(v.end-v.start) {
			return true
		}
		addr := v.start + hostarch.Addr(off-v.off)
		if _, ok := mm.pt.Lookup(addr); ok {
			// Either already mapped, or privately owned after a
			// copy-on-write fault.
			return true
		}
		mm.mf.IncRef(frame)
		mm.mapPageLocked(addr, frame, v.perms, v.private && v.perms.Write, false, regionPaged)
		return true
	})
}

// Access implements the CPU's view of the page tables. It returns the
// contents of the page containing addr if its page table entry permits an
// access of type at, and updates the entry's accessed and dirty bits.
// present reports whether the page was mapped at all, which distinguishes
// protection faults from not-present faults.
func (mm *MemoryManager) Access(addr hostarch.Addr, at hostarch.AccessType) (page []byte, present, ok bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	pte, present := mm.pt.Lookup(addr)
	if !present {
		return nil, false, false
	}
	if !pte.Perms.SupersetOf(at) {
		return nil, true, false
	}
	mm.pt.MarkAccessed(addr, at.Write)
	return mm.mf.Bytes(pte.Frame), true, true
}
