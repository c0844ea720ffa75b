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

	"kcore.dev/kcore/pkg/hostarch"
)

// findVMALocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		found = v
		return false
	})
	if found != nil && addr < found.end {
		return found
	}
	return nil
}

// overlappingLocked returns the vmas that overlap ar, in address order.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) overlappingLocked(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	mm.vmas.DescendLessOrEqual(&vma{start: ar.Start}, func(v *vma) bool {
		if v.start < ar.Start && v.end > ar.Start {
			vs = append(vs, v)
		}
		return false
	})
	mm.vmas.AscendRange(&vma{start: ar.Start}, &vma{start: ar.End}, func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// coveredLocked returns true if every address in ar is mapped.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) coveredLocked(ar hostarch.AddrRange) bool {
	next := ar.Start
	for _, v := range mm.overlappingLocked(ar) {
		if v.start > next {
			return false
		}
		next = v.end
	}
	return next >= ar.End
}

// acquireVMALocked takes the references a vma holds on its backing objects.
func (mm *MemoryManager) acquireVMALocked(v *vma) {
	if v.file != nil {
		v.file.IncRef()
	}
	if v.mappable != nil {
		v.mappable.IncRef()
		v.mappable.AddMapping(mm)
	}
}

// releaseVMALocked drops the references taken by acquireVMALocked.
func (mm *MemoryManager) releaseVMALocked(ctx context.Context, v *vma) {
	if v.mappable != nil {
		v.mappable.RemoveMapping(mm)
		v.mappable.DecRef()
	}
	if v.file != nil {
		v.file.DecRef(ctx)
	}
}

// unmapLocked removes every mapping in ar, splitting vmas that straddle its
// boundaries, and releases the pages mapped there. It returns true if any
// mapping was removed.
//
// Preconditions: mm.mu is locked. ar is page-aligned.
func (mm *MemoryManager) unmapLocked(ctx context.Context, ar hostarch.AddrRange) bool {
	vs := mm.overlappingLocked(ar)
	for _, v := range vs {
		mm.vmas.Delete(v)
		inter := v.Range().Intersect(ar)
		for _, addr := range mm.pt.MappedIn(inter) {
			mm.unmapPageLocked(addr)
		}
		if v.start < inter.Start {
			left := *v
			left.end = inter.Start
			mm.vmas.ReplaceOrInsert(&left)
			mm.acquireVMALocked(&left)
		}
		if inter.End < v.end {
			right := *v
			right.start = inter.End
			right.off = v.off + uint64(inter.End-v.start)
			mm.vmas.ReplaceOrInsert(&right)
			mm.acquireVMALocked(&right)
		}
		mm.releaseVMALocked(ctx, v)
	}
	return len(vs) > 0
}

// findAvailableLocked returns the lowest address at or above MmapBase where
// length bytes are unmapped.
//
// Preconditions: mm.mu is locked. length is page-aligned and non-zero.
func (mm *MemoryManager) findAvailableLocked(length uint64) (hostarch.Addr, bool) {
	start := MmapBase
	if v := mm.findVMALocked(start); v != nil {
		start = v.end
	}
	mm.vmas.AscendGreaterOrEqual(&vma{start: start}, func(v *vma) bool {
		if uint64(v.start-start) >= length {
			return false
		}
		start = v.end
		return true
	})
	end, ok := start.AddLength(length)
	if !ok || end > hostarch.UserMax {
		return 0, false
	}
	return start, true
}

func compatible(a, b *vma) bool {
	return a.anonymous() && b.anonymous() && a.perms == b.perms && a.name == b.name
}

// insertLocked adds v, which must not overlap any existing vma, and merges
// it with compatible neighbours. It returns the vma now containing v's
// range.
//
// Preconditions: mm.mu is locked. v's references have been taken.
func (mm *MemoryManager) insertLocked(v *vma) *vma {
	mm.vmas.ReplaceOrInsert(v)
	mappingsMetric.Increment()
	if !v.anonymous() {
		return v
	}

	var prev *vma
	mm.vmas.DescendLessOrEqual(v, func(p *vma) bool {
		if p == v {
			return true
		}
		prev = p
		return false
	})
	if prev != nil && prev.end == v.start && compatible(prev, v) {
		mm.vmas.Delete(v)
		prev.end = v.end
		v = prev
	}

	var next *vma
	mm.vmas.AscendGreaterOrEqual(&vma{start: v.end}, func(n *vma) bool {
		next = n
		return false
	})
	if next != nil && next.start == v.end && compatible(v, next) {
		mm.vmas.Delete(next)
		v.end = next.end
	}
	return v
}
