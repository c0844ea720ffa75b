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

package hostarch

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr      Addr
		down, up  Addr
		regionIdx int
	}{
		{0, 0, 0, 0},
		{1, 0, PageSize, 0},
		{PageSize, PageSize, PageSize, 1},
		{RegionSize + 3*PageSize + 5, RegionSize + 3*PageSize, RegionSize + 4*PageSize, 3},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() got %v want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() got %v, %t want %v", tc.addr, got, ok, tc.up)
		}
		if got := tc.addr.RegionPage(); got != tc.regionIdx {
			t.Errorf("%v.RegionPage() got %d want %d", tc.addr, got, tc.regionIdx)
		}
	}
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of max address did not report wraparound")
	}
}

func TestAddrRange(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	b := AddrRange{0x2000, 0x5000}
	c := AddrRange{0x3000, 0x4000}
	if !a.Overlaps(b) || a.Overlaps(c) {
		t.Errorf("Overlaps: a/b %t a/c %t", a.Overlaps(b), a.Overlaps(c))
	}
	if got, want := a.Intersect(b), (AddrRange{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect got %v want %v", got, want)
	}
	if got := a.Intersect(c).Length(); got != 0 {
		t.Errorf("disjoint Intersect length got %d want 0", got)
	}
	if !b.IsSupersetOf(c) || c.IsSupersetOf(b) {
		t.Errorf("IsSupersetOf mismatch")
	}
	if a.CanSplitAt(0x1000) || !a.CanSplitAt(0x2000) {
		t.Errorf("CanSplitAt mismatch")
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
	if got := AccessTypeFromProt(0x3); got != ReadWrite {
		t.Errorf("AccessTypeFromProt(3) got %v", got)
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Effective got %v want %v", got, ReadWrite)
	}
	if !AnyAccess.SupersetOf(ReadExec) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf mismatch")
	}
	if got, want := ReadExec.Prot(), uint64(0x5); got != want {
		t.Errorf("Prot got %#x want %#x", got, want)
	}
}
