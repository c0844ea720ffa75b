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

package pagetables

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/hostarch"
)

func TestMapLookupUnmap(t *testing.T) {
	pt := New()
	if _, replaced := pt.Map(0x1000, 3, hostarch.ReadWrite, false); replaced {
		t.Errorf("Map into empty tables reported a replaced entry")
	}
	e, ok := pt.Lookup(0x1234)
	if !ok || e.Frame != 3 || e.Perms != hostarch.ReadWrite {
		t.Fatalf("Lookup got %v, %t", e, ok)
	}
	old, replaced := pt.Map(0x1000, 4, hostarch.Read, false)
	if !replaced || old.Frame != 3 {
		t.Errorf("Map over existing entry got %v, %t", old, replaced)
	}
	if _, ok := pt.Unmap(0x1000); !ok {
		t.Errorf("Unmap of mapped page failed")
	}
	if _, ok := pt.Lookup(0x1000); ok {
		t.Errorf("Lookup after Unmap succeeded")
	}
}

func TestCOWStripsWrite(t *testing.T) {
	pt := New()
	pt.Map(0x2000, 1, hostarch.ReadWrite, true)
	e, _ := pt.Lookup(0x2000)
	if e.Perms.Write || !e.COW {
		t.Errorf("COW entry got %v", e)
	}
	pt.Protect(0x2000, hostarch.ReadWrite, false)
	e, _ = pt.Lookup(0x2000)
	if !e.Perms.Write || e.COW {
		t.Errorf("claimed entry got %v", e)
	}
}

func TestDirtyTracking(t *testing.T) {
	pt := New()
	pt.Map(0x3000, 1, hostarch.ReadWrite, false)
	pt.MarkAccessed(0x3008, false)
	if e, _ := pt.Lookup(0x3000); !e.Accessed || e.Dirty {
		t.Errorf("after read got %v", e)
	}
	pt.MarkAccessed(0x3008, true)
	if !pt.ClearDirty(0x3000) {
		t.Errorf("ClearDirty after write returned false")
	}
	if pt.ClearDirty(0x3000) {
		t.Errorf("second ClearDirty returned true")
	}
}

func TestMappedIn(t *testing.T) {
	pt := New()
	for _, a := range []hostarch.Addr{0x5000, 0x1000, 0x3000, 0x9000} {
		pt.Map(a, 1, hostarch.Read, false)
	}
	got := pt.MappedIn(hostarch.AddrRange{Start: 0x1000, End: 0x6000})
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x3000, 0x5000}, got); diff != "" {
		t.Errorf("MappedIn mismatch (-want +got):\n%s", diff)
	}
	got = pt.MappedIn(hostarch.AddrRange{Start: 0x0, End: 0x2000})
	if diff := cmp.Diff([]hostarch.Addr{0x1000}, got); diff != "" {
		t.Errorf("MappedIn small range mismatch (-want +got):\n%s", diff)
	}
}
