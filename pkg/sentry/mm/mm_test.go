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

package mm

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/fsimpl/memfs"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

func testMemoryManager(t *testing.T) (context.Context, *MemoryManager) {
	t.Helper()
	mf := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{MaxFrames: 4096})
	return context.Background(), NewMemoryManager(mf, nil)
}

func (mm *MemoryManager) checkInvariants(t *testing.T) {
	t.Helper()
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var prev *vma
	mm.vmas.Ascend(func(v *vma) bool {
		if v.start >= v.end || !v.start.IsPageAligned() || !v.end.IsPageAligned() {
			t.Errorf("malformed vma [%v, %v)", v.start, v.end)
		}
		if prev != nil && prev.end > v.start {
			t.Errorf("vmas [%v, %v) and [%v, %v) overlap", prev.start, prev.end, v.start, v.end)
		}
		prev = v
		return true
	})
	for _, addr := range mm.pt.MappedIn(hostarch.AddrRange{Start: 0, End: hostarch.UserMax}) {
		if mm.findVMALocked(addr) == nil {
			t.Errorf("page %v is mapped outside any vma", addr)
		}
	}
}

func ranges(ms []MappingInfo) []hostarch.AddrRange {
	var ars []hostarch.AddrRange
	for _, m := range ms {
		ars = append(ars, hostarch.AddrRange{Start: m.Start, End: m.End})
	}
	return ars
}

func TestMMapAnonymous(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	addr, err := mm.MMap(ctx, MMapOpts{Length: 3 * hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	if err != nil {
		t.Fatalf("MMap got err %v want nil", err)
	}
	if addr != MmapBase {
		t.Errorf("MMap got addr %v want %v", addr, MmapBase)
	}
	buf := make([]byte, 8)
	if _, err := mm.CopyIn(ctx, addr+hostarch.PageSize, buf); err != nil {
		t.Fatalf("CopyIn got err %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 8)) {
		t.Errorf("fresh anonymous memory got %v want zeroes", buf)
	}
	if got, want := mm.ResidentPages(), 1; got != want {
		t.Errorf("ResidentPages got %d want %d", got, want)
	}
	mm.checkInvariants(t)
}

func TestMMapValidation(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	for _, tc := range []struct {
		name string
		opts MMapOpts
		want *errors.Error
	}{
		{"zero length", MMapOpts{Perms: hostarch.Read, Private: true}, linuxerr.EINVAL},
		{"unaligned offset", MMapOpts{Length: 1, Offset: 7, Private: true}, linuxerr.EINVAL},
		{"unaligned fixed", MMapOpts{Length: 1, Addr: MmapBase + 1, Fixed: true, Private: true}, linuxerr.EINVAL},
		{"fixed at zero", MMapOpts{Length: 1, Fixed: true, Private: true}, linuxerr.ENOMEM},
		{"beyond user space", MMapOpts{Length: 2 * hostarch.PageSize, Addr: hostarch.UserMax - hostarch.PageSize, Fixed: true, Private: true}, linuxerr.ENOMEM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mm.MMap(ctx, tc.opts); !linuxerr.Equals(tc.want, err) {
				t.Errorf("MMap got err %v want %v", err, tc.want)
			}
		})
	}
}

func TestMMapFixedReplaces(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	base, err := mm.MMap(ctx, MMapOpts{Length: 4 * hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	if err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	if _, err := mm.CopyOut(ctx, base+hostarch.PageSize, []byte("old")); err != nil {
		t.Fatalf("CopyOut got err %v", err)
	}

	// Replace the middle two pages with a read-only mapping.
	if _, err := mm.MMap(ctx, MMapOpts{
		Length:  2 * hostarch.PageSize,
		Addr:    base + hostarch.PageSize,
		Fixed:   true,
		Perms:   hostarch.Read,
		Private: true,
		Name:    "replacement",
	}); err != nil {
		t.Fatalf("MMap(MAP_FIXED) got err %v", err)
	}
	want := []hostarch.AddrRange{
		{Start: base, End: base + hostarch.PageSize},
		{Start: base + hostarch.PageSize, End: base + 3*hostarch.PageSize},
		{Start: base + 3*hostarch.PageSize, End: base + 4*hostarch.PageSize},
	}
	if diff := cmp.Diff(want, ranges(mm.Mappings())); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
	buf := make([]byte, 3)
	if _, err := mm.CopyIn(ctx, base+hostarch.PageSize, buf); err != nil {
		t.Fatalf("CopyIn got err %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 3)) {
		t.Errorf("replaced page got %q want zeroes", buf)
	}
	if _, err := mm.CopyOut(ctx, base+hostarch.PageSize, []byte("x")); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut to read-only mapping got %v want EFAULT", err)
	}
	mm.checkInvariants(t)
}

func TestMMapNoReplace(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	base, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.Read, Private: true})
	if err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	if _, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Addr: base, NoReplace: true, Perms: hostarch.Read, Private: true}); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("MMap(MAP_FIXED_NOREPLACE) over mapping got %v want EEXIST", err)
	}
}

func TestMMapHintRelocates(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	hint := MmapBase + 16*hostarch.PageSize
	got, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Addr: hint, Perms: hostarch.Read, Private: true, Name: "a"})
	if err != nil || got != hint {
		t.Fatalf("MMap with free hint got %v, %v want %v", got, err, hint)
	}
	got, err = mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Addr: hint, Perms: hostarch.Read, Private: true, Name: "b"})
	if err != nil {
		t.Fatalf("MMap with used hint got err %v", err)
	}
	if got == hint {
		t.Errorf("MMap with used hint got the hint %v", got)
	}
	if got != MmapBase {
		t.Errorf("MMap with used hint got %v want first fit %v", got, MmapBase)
	}
	mm.checkInvariants(t)
}

func TestMUnmapSplits(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	base, err := mm.MMap(ctx, MMapOpts{Length: 5 * hostarch.PageSize, Perms: hostarch.ReadWrite, Private: true})
	if err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	if _, err := mm.ZeroOut(ctx, base, 5*hostarch.PageSize); err != nil {
		t.Fatalf("ZeroOut got err %v", err)
	}
	inUse := mm.MemoryFile().Usage().InUse
	if err := mm.MUnmap(ctx, base+hostarch.PageSize, 2*hostarch.PageSize); err != nil {
		t.Fatalf("MUnmap got err %v", err)
	}
	want := []hostarch.AddrRange{
		{Start: base, End: base + hostarch.PageSize},
		{Start: base + 3*hostarch.PageSize, End: base + 5*hostarch.PageSize},
	}
	if diff := cmp.Diff(want, ranges(mm.Mappings())); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
	if got := mm.MemoryFile().Usage().InUse; got != inUse-2 {
		t.Errorf("frames in use got %d want %d", got, inUse-2)
	}
	if err := mm.MUnmap(ctx, base+hostarch.PageSize, hostarch.PageSize); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MUnmap of hole got %v want EINVAL", err)
	}
	if err := mm.MUnmap(ctx, base+1, hostarch.PageSize); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MUnmap of unaligned address got %v want EINVAL", err)
	}
	mm.checkInvariants(t)
}

func TestMMapCoalesces(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	for i := 0; i < 3; i++ {
		if _, err := mm.MMap(ctx, MMapOpts{
			Length:  hostarch.PageSize,
			Addr:    MmapBase + hostarch.Addr(i)*hostarch.PageSize,
			Fixed:   true,
			Perms:   hostarch.ReadWrite,
			Private: true,
		}); err != nil {
			t.Fatalf("MMap %d got err %v", i, err)
		}
	}
	want := []hostarch.AddrRange{{Start: MmapBase, End: MmapBase + 3*hostarch.PageSize}}
	if diff := cmp.Diff(want, ranges(mm.Mappings())); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
}

// TestMMapRegionInvariant checks that after random mmap and munmap calls no
// two mappings overlap and every mapped address was returned by some mmap.
func TestMMapRegionInvariant(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	r := rand.New(rand.NewSource(1))
	granted := make(map[hostarch.Addr]bool)
	const span = 64
	for i := 0; i < 500; i++ {
		page := hostarch.Addr(r.Intn(span)) * hostarch.PageSize
		length := uint64(1+r.Intn(8)) * hostarch.PageSize
		switch r.Intn(3) {
		case 0, 1:
			opts := MMapOpts{
				Length:  length,
				Addr:    MmapBase + page,
				Fixed:   r.Intn(2) == 0,
				Perms:   hostarch.ReadWrite,
				Private: true,
			}
			if r.Intn(4) == 0 {
				opts.Perms = hostarch.Read
			}
			addr, err := mm.MMap(ctx, opts)
			if err != nil {
				t.Fatalf("MMap(%+v) got err %v", opts, err)
			}
			for a := addr; a < addr+hostarch.Addr(length); a += hostarch.PageSize {
				granted[a] = true
			}
			if opts.Perms.Write {
				if _, err := mm.CopyOut(ctx, addr, []byte{byte(i)}); err != nil {
					t.Fatalf("CopyOut to fresh mapping got err %v", err)
				}
			}
		case 2:
			err := mm.MUnmap(ctx, MmapBase+page, length)
			if err != nil && !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Fatalf("MUnmap got err %v", err)
			}
		}
		mm.checkInvariants(t)
	}
	for _, m := range mm.Mappings() {
		for a := m.Start; a < m.End; a += hostarch.PageSize {
			if !granted[a] {
				t.Errorf("address %v is mapped but was never returned by MMap", a)
			}
		}
	}
}

func TestCOWIsolation(t *testing.T) {
	ctx, parent := testMemoryManager(t)
	defer parent.DecUsers(ctx)

	data := []byte("shared before fork")
	if err := parent.MapDirect(ctx, MapDirectOpts{Addr: TextBase, Length: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite, Data: data, Name: "data"}); err != nil {
		t.Fatalf("MapDirect got err %v", err)
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork got err %v", err)
	}
	defer child.DecUsers(ctx)

	read := func(mm *MemoryManager, addr hostarch.Addr, n int) string {
		t.Helper()
		buf := make([]byte, n)
		if _, err := mm.CopyIn(ctx, addr, buf); err != nil {
			t.Fatalf("CopyIn got err %v", err)
		}
		return string(buf)
	}

	// Before any write both observe the same bytes at every COW page.
	for _, addr := range []hostarch.Addr{TextBase, TextBase + hostarch.PageSize} {
		if p, c := read(parent, addr, len(data)), read(child, addr, len(data)); p != c {
			t.Errorf("at %v parent reads %q, child reads %q", addr, p, c)
		}
	}

	if _, err := child.CopyOut(ctx, TextBase, []byte("CHILD")); err != nil {
		t.Fatalf("child CopyOut got err %v", err)
	}
	if got, want := read(parent, TextBase, len(data)), string(data); got != want {
		t.Errorf("parent after child write got %q want %q", got, want)
	}
	if _, err := parent.CopyOut(ctx, TextBase+hostarch.PageSize, []byte("PARENT")); err != nil {
		t.Fatalf("parent CopyOut got err %v", err)
	}
	if got := read(child, TextBase+hostarch.PageSize, 6); got != string(make([]byte, 6)) {
		t.Errorf("child after parent write got %q want zeroes", got)
	}
	if got, want := read(child, TextBase, 5), "CHILD"; got != want {
		t.Errorf("child got %q want %q", got, want)
	}
	parent.checkInvariants(t)
	child.checkInvariants(t)
}

func TestCOWClaimAfterSiblingExits(t *testing.T) {
	ctx, parent := testMemoryManager(t)
	defer parent.DecUsers(ctx)

	if err := parent.MapDirect(ctx, MapDirectOpts{Addr: TextBase, Length: hostarch.PageSize, Perms: hostarch.ReadWrite}); err != nil {
		t.Fatalf("MapDirect got err %v", err)
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork got err %v", err)
	}
	child.DecUsers(ctx)

	mf := parent.MemoryFile()
	inUse := mf.Usage().InUse
	if _, err := parent.CopyOut(ctx, TextBase, []byte("mine")); err != nil {
		t.Fatalf("CopyOut got err %v", err)
	}
	if got := mf.Usage().InUse; got != inUse {
		t.Errorf("claiming a sole-owner COW page allocated: in use %d want %d", got, inUse)
	}
	pte, _ := parent.pt.Lookup(TextBase)
	if pte.COW || !pte.Perms.Write {
		t.Errorf("claimed page PTE got %v want writable, not COW", pte)
	}
}

func TestHandleUserFaultUnresolved(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	if err := mm.HandleUserFault(ctx, MmapBase, hostarch.Read, false); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("fault on unmapped address got %v want EFAULT", err)
	}
	addr, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.Read, Private: true})
	if err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	if err := mm.HandleUserFault(ctx, addr, hostarch.Write, false); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("write fault on read-only mapping got %v want EFAULT", err)
	}
	if err := mm.HandleUserFault(ctx, hostarch.KernelBase, hostarch.Read, false); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("fault on kernel address got %v want EFAULT", err)
	}
	if err := mm.HandleUserFault(ctx, addr+12, hostarch.Read, false); err != nil {
		t.Errorf("read fault on read-only mapping got %v want nil", err)
	}
}

func TestBrk(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	if _, err := mm.MapStack(ctx); err != nil {
		t.Fatalf("MapStack got err %v", err)
	}
	if got, _ := mm.Brk(ctx, 0); got != BrkBase {
		t.Fatalf("initial brk got %v want %v", got, BrkBase)
	}
	if _, err := mm.CopyOut(ctx, BrkBase, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut above brk got %v want EFAULT", err)
	}
	old, err := mm.Sbrk(ctx, 3*hostarch.PageSize+10)
	if err != nil || old != BrkBase {
		t.Fatalf("Sbrk got %v, %v want %v, nil", old, err, BrkBase)
	}
	if _, err := mm.CopyOut(ctx, BrkBase+3*hostarch.PageSize, []byte("heap")); err != nil {
		t.Errorf("CopyOut into heap got err %v", err)
	}
	if got, err := mm.Brk(ctx, BrkBase+hostarch.PageSize); err != nil || got != BrkBase+hostarch.PageSize {
		t.Errorf("shrinking Brk got %v, %v", got, err)
	}
	if _, err := mm.CopyOut(ctx, BrkBase+2*hostarch.PageSize, []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut above shrunk brk got %v want EFAULT", err)
	}
	if got, err := mm.Brk(ctx, BrkBase-1); !linuxerr.Equals(linuxerr.EINVAL, err) || got != BrkBase+hostarch.PageSize {
		t.Errorf("Brk below start got %v, %v", got, err)
	}
	// A mapping in the way stops the heap from growing.
	if _, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Addr: BrkBase + 4*hostarch.PageSize, Fixed: true, Perms: hostarch.Read, Private: true}); err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	if _, err := mm.Sbrk(ctx, 8*hostarch.PageSize); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Sbrk into mapping got %v want ENOMEM", err)
	}
	mm.checkInvariants(t)
}

func TestStackIsDemandFilled(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	if _, err := mm.MapStack(ctx); err != nil {
		t.Fatalf("MapStack got err %v", err)
	}
	if got, want := mm.ResidentPages(), StackPopulated/hostarch.PageSize; got != want {
		t.Errorf("ResidentPages got %d want %d", got, want)
	}
	if _, err := mm.CopyOut(ctx, StackBase, []byte("deep")); err != nil {
		t.Errorf("CopyOut at stack base got err %v", err)
	}
}

func TestMSyncWritesBack(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	fs := memfs.NewFilesystem(mm.MemoryFile())
	fs.WriteFile("data", bytes.Repeat([]byte{'.'}, 100))
	fd, err := fs.OpenAt(ctx, "data", linux.O_RDWR)
	if err != nil {
		t.Fatalf("OpenAt got err %v", err)
	}
	defer fd.DecRef(ctx)

	addr, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite, File: fd})
	if err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	buf := make([]byte, 4)
	if _, err := mm.CopyIn(ctx, addr, buf); err != nil || string(buf) != "...." {
		t.Fatalf("CopyIn got %q, %v want \"....\"", buf, err)
	}
	if _, err := mm.CopyOut(ctx, addr+2, []byte("hi")); err != nil {
		t.Fatalf("CopyOut got err %v", err)
	}
	if err := mm.MSync(ctx, addr, hostarch.PageSize, MSyncOpts{Sync: true}); err != nil {
		t.Fatalf("MSync got err %v", err)
	}
	got, _ := fs.ReadFile("data")
	if want := append([]byte("..hi"), bytes.Repeat([]byte{'.'}, 96)...); !bytes.Equal(got, want) {
		t.Errorf("file after msync got %q want %q", got, want)
	}
	if err := mm.MSync(ctx, addr+hostarch.PageSize, hostarch.PageSize, MSyncOpts{}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MSync of unmapped range got %v want EINVAL", err)
	}
}

func TestMMapFileModeChecks(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	defer mm.DecUsers(ctx)

	fs := memfs.NewFilesystem(mm.MemoryFile())
	fs.WriteFile("ro", []byte("x"))
	fd, err := fs.OpenAt(ctx, "ro", linux.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenAt got err %v", err)
	}
	defer fd.DecRef(ctx)
	if _, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite, File: fd}); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("shared writable mapping of read-only file got %v want EACCES", err)
	}
	if _, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite, File: fd, Private: true}); err != nil {
		t.Errorf("private writable mapping of read-only file got %v want nil", err)
	}
}

func TestSharedAnonymousAcrossFork(t *testing.T) {
	ctx, parent := testMemoryManager(t)
	defer parent.DecUsers(ctx)

	addr, err := parent.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MMap got err %v", err)
	}
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork got err %v", err)
	}
	defer child.DecUsers(ctx)

	// The child faults the page in first; the parent must see the same
	// frame.
	if _, err := child.CopyOut(ctx, addr, []byte("both")); err != nil {
		t.Fatalf("child CopyOut got err %v", err)
	}
	buf := make([]byte, 4)
	if _, err := parent.CopyIn(ctx, addr, buf); err != nil || string(buf) != "both" {
		t.Errorf("parent CopyIn got %q, %v want \"both\"", buf, err)
	}
}

func TestPageResidentPropagates(t *testing.T) {
	ctx, a := testMemoryManager(t)
	defer a.DecUsers(ctx)
	b := NewMemoryManager(a.MemoryFile(), nil)
	defer b.DecUsers(ctx)

	lib := memmap.NewSharedPages(a.MemoryFile(), "lib")
	defer lib.DecRef()
	for _, mm := range []*MemoryManager{a, b} {
		if _, err := mm.MMap(ctx, MMapOpts{Length: hostarch.PageSize, Addr: LibraryBase, Fixed: true, Perms: hostarch.ReadExec, Private: true, Mappable: lib}); err != nil {
			t.Fatalf("MMap got err %v", err)
		}
	}
	if err := a.HandleUserFault(ctx, LibraryBase, hostarch.Execute, false); err != nil {
		t.Fatalf("HandleUserFault got err %v", err)
	}
	pa, ok := a.pt.Lookup(LibraryBase)
	if !ok {
		t.Fatalf("faulting space has no mapping")
	}
	pb, ok := b.pt.Lookup(LibraryBase)
	if !ok {
		t.Fatalf("linked space was not populated")
	}
	if pa.Frame != pb.Frame {
		t.Errorf("linked spaces map frames %d and %d want the same", pa.Frame, pb.Frame)
	}
}

func TestReleaseFreesFrames(t *testing.T) {
	ctx, mm := testMemoryManager(t)
	if err := mm.MapDirect(ctx, MapDirectOpts{Addr: TextBase, Length: 3 * hostarch.PageSize, Perms: hostarch.ReadExec}); err != nil {
		t.Fatalf("MapDirect got err %v", err)
	}
	if _, err := mm.MapStack(ctx); err != nil {
		t.Fatalf("MapStack got err %v", err)
	}
	child, err := mm.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork got err %v", err)
	}
	mm.DecUsers(ctx)
	if _, err := child.CopyOut(ctx, StackTop-8, []byte{1}); err != nil {
		t.Fatalf("child CopyOut got err %v", err)
	}
	child.DecUsers(ctx)
	if got := mm.MemoryFile().Usage().InUse; got != 0 {
		t.Errorf("frames in use after release got %d want 0", got)
	}
}
