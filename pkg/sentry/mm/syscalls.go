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
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/vfs"
)

// MMapOpts specifies a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping in bytes.
	Length uint64

	// Addr is the suggested address of the mapping, or the exact address if
	// Fixed is true.
	Addr hostarch.Addr

	// Fixed has the semantics of MAP_FIXED: existing mappings in the range
	// are removed.
	Fixed bool

	// NoReplace has the semantics of MAP_FIXED_NOREPLACE: the mapping fails
	// with EEXIST if the range is not free. It implies Fixed.
	NoReplace bool

	// Perms are the permissions of the mapping.
	Perms hostarch.AccessType

	// Private is true for MAP_PRIVATE mappings.
	Private bool

	// File, if not nil, is the file to map at Offset.
	File   *vfs.FileDescription
	Offset uint64

	// Mappable, if not nil and File is nil, is the object to map at
	// Offset. Private mappings of it are copy-on-write.
	Mappable memmap.Mappable

	// Name is shown in Mappings.
	Name string
}

// MMap establishes a memory mapping.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	if opts.Offset%hostarch.PageSize != 0 {
		return 0, linuxerr.EINVAL
	}
	if opts.Offset+length < opts.Offset {
		return 0, linuxerr.ENOMEM
	}
	if opts.NoReplace {
		opts.Fixed = true
	}
	if !opts.Addr.IsPageAligned() {
		// MAP_FIXED requires addr to be page-aligned; non-fixed mappings
		// don't.
		if opts.Fixed {
			return 0, linuxerr.EINVAL
		}
		opts.Addr = opts.Addr.RoundDown()
	}

	v := &vma{
		perms:   opts.Perms,
		private: opts.Private,
		off:     opts.Offset,
		name:    opts.Name,
	}
	switch {
	case opts.File != nil:
		if !opts.File.IsReadable() {
			return 0, linuxerr.EACCES
		}
		if !opts.Private && opts.Perms.Write && !opts.File.IsWritable() {
			return 0, linuxerr.EACCES
		}
		v.file = opts.File
		if !opts.Private {
			if v.mappable = opts.File.Mappable(); v.mappable == nil {
				return 0, linuxerr.ENODEV
			}
		}
		if v.name == "" {
			v.name = opts.File.Name()
		}
	case opts.Mappable != nil:
		v.mappable = opts.Mappable
	case !opts.Private:
		// Shared anonymous memory is backed by its own object, shared with
		// children across fork.
		sp := memmap.NewSharedPages(mm.mf, "[shared]")
		defer sp.DecRef()
		v.mappable = sp
		v.off = 0
		if v.name == "" {
			v.name = "[shared]"
		}
	default:
		v.off = 0
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return 0, linuxerr.EINVAL
	}

	ar, ok := opts.Addr.ToRange(length)
	switch {
	case opts.Fixed:
		if !ok || opts.Addr == 0 || ar.End > hostarch.UserMax {
			return 0, linuxerr.ENOMEM
		}
		if opts.NoReplace {
			if len(mm.overlappingLocked(ar)) != 0 {
				return 0, linuxerr.EEXIST
			}
		} else {
			mm.unmapLocked(ctx, ar)
		}
	case opts.Addr != 0 && ok && ar.End <= hostarch.UserMax && len(mm.overlappingLocked(ar)) == 0:
		// Use the hint.
	default:
		start, found := mm.findAvailableLocked(length)
		if !found {
			return 0, linuxerr.ENOMEM
		}
		ar, _ = start.ToRange(length)
	}

	v.start, v.end = ar.Start, ar.End
	mm.acquireVMALocked(v)
	mm.insertLocked(v)
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: mmap %v %v private=%t %s", mm, ar, v.perms, v.private, v.name)
	}
	return ar.Start, nil
}

// MUnmap implements the semantics of munmap(2), except that a range that
// contains no mapping is rejected with EINVAL.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(la)
	if !ok || ar.End > hostarch.UserMax {
		return linuxerr.EINVAL
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if !mm.unmapLocked(ctx, ar) {
		return linuxerr.EINVAL
	}
	return nil
}

// MSyncOpts holds options to MSync.
type MSyncOpts struct {
	// Sync has the semantics of MS_SYNC.
	Sync bool

	// Invalidate has the semantics of MS_INVALIDATE. Views of the same
	// object already mapped by other address spaces are left as they are.
	Invalidate bool
}

// MSync implements the semantics of msync(2), except that a range that is
// not entirely mapped is rejected with EINVAL.
//
// Dirty pages of shared file mappings are written back whether or not
// opts.Sync is set; there is no asynchronous writeback.
func (mm *MemoryManager) MSync(ctx context.Context, addr hostarch.Addr, length uint64, opts MSyncOpts) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.ENOMEM
	}
	ar, ok := addr.ToRange(la)
	if !ok {
		return linuxerr.ENOMEM
	}
	mm.mu.Lock()
	covered := mm.coveredLocked(ar)
	mm.mu.Unlock()
	if !covered {
		return linuxerr.EINVAL
	}
	return mm.syncRange(ctx, ar)
}

// writeback is a dirty page to be written to a file.
type writeback struct {
	file *vfs.FileDescription
	off  int64
	data []byte
}

// syncRange writes dirty pages of shared file mappings in ar back to their
// files.
func (mm *MemoryManager) syncRange(ctx context.Context, ar hostarch.AddrRange) error {
	var wbs []writeback
	mm.mu.Lock()
	for _, v := range mm.overlappingLocked(ar) {
		if v.private || v.file == nil {
			continue
		}
		for _, addr := range mm.pt.MappedIn(v.Range().Intersect(ar)) {
			if !mm.pt.ClearDirty(addr) {
				continue
			}
			pte, _ := mm.pt.Lookup(addr)
			data := make([]byte, hostarch.PageSize)
			copy(data, mm.mf.Bytes(pte.Frame))
			v.file.IncRef()
			wbs = append(wbs, writeback{
				file: v.file,
				off:  int64(v.pgoff(addr) * hostarch.PageSize),
				data: data,
			})
		}
	}
	mm.mu.Unlock()

	var firstErr error
	for _, wb := range wbs {
		if err := writePage(ctx, wb); err != nil && firstErr == nil {
			firstErr = err
		}
		wb.file.DecRef(ctx)
	}
	return firstErr
}

// writePage writes wb to its file, not extending the file. Transient errors
// are retried with exponential backoff.
func writePage(ctx context.Context, wb writeback) error {
	st, err := wb.file.Stat(ctx)
	if err != nil {
		return err
	}
	if wb.off >= st.Size {
		return nil
	}
	data := wb.data
	if rem := st.Size - wb.off; rem < int64(len(data)) {
		data = data[:rem]
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Clock:               backoff.SystemClock,
	}
	op := func() error {
		n, err := wb.file.PWrite(ctx, data, wb.off)
		if err == nil {
			data = data[n:]
			wb.off += n
			if len(data) == 0 {
				return nil
			}
			return linuxerr.EAGAIN
		}
		if linuxerr.Equals(linuxerr.EAGAIN, err) || linuxerr.Equals(linuxerr.EINTR, err) {
			data = data[n:]
			wb.off += n
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		log.Warningf("msync: writing back %s at offset %d: %v", wb.file, wb.off, err)
		return linuxerr.EIO
	}
	return nil
}

// BrkSetup sets mm's program break to addr, removing any existing heap.
func (mm *MemoryManager) BrkSetup(ctx context.Context, addr hostarch.Addr) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.brk.Length() != 0 {
		start := mm.brk.Start
		end, _ := mm.brk.End.RoundUp()
		mm.unmapLocked(ctx, hostarch.AddrRange{Start: start, End: end})
	}
	mm.brk = hostarch.AddrRange{Start: addr, End: addr}
}

// Brk implements the semantics of brk(2), except that it returns an error on
// failure. The returned address is the break after the call, which is the
// old break on failure. A zero addr queries the break.
func (mm *MemoryManager) Brk(ctx context.Context, addr hostarch.Addr) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if addr == 0 {
		return mm.brk.End, nil
	}
	if addr < mm.brk.Start {
		return mm.brk.End, linuxerr.EINVAL
	}
	oldbrkpg, _ := mm.brk.End.RoundUp()
	newbrkpg, ok := addr.RoundUp()
	if !ok || newbrkpg > hostarch.UserMax {
		return mm.brk.End, linuxerr.ENOMEM
	}

	switch {
	case oldbrkpg < newbrkpg:
		ar := hostarch.AddrRange{Start: oldbrkpg, End: newbrkpg}
		if len(mm.overlappingLocked(ar)) != 0 {
			return mm.brk.End, linuxerr.ENOMEM
		}
		mm.insertLocked(&vma{
			start:   ar.Start,
			end:     ar.End,
			perms:   hostarch.ReadWrite,
			private: true,
			name:    "[heap]",
		})
	case newbrkpg < oldbrkpg:
		mm.unmapLocked(ctx, hostarch.AddrRange{Start: newbrkpg, End: oldbrkpg})
	}
	mm.brk.End = addr
	return addr, nil
}

// Sbrk moves the program break by delta bytes and returns the previous
// break.
func (mm *MemoryManager) Sbrk(ctx context.Context, delta int64) (hostarch.Addr, error) {
	old, _ := mm.Brk(ctx, 0)
	if delta == 0 {
		return old, nil
	}
	addr := old + hostarch.Addr(delta)
	if (delta > 0 && addr < old) || (delta < 0 && addr > old) {
		return old, linuxerr.ENOMEM
	}
	if _, err := mm.Brk(ctx, addr); err != nil {
		return old, linuxerr.ENOMEM
	}
	return old, nil
}

// MapDirectOpts specifies a mapping populated when it is created.
type MapDirectOpts struct {
	// Addr is the page-aligned start of the mapping.
	Addr hostarch.Addr

	// Length is the length of the mapping.
	Length uint64

	// Perms are the permissions of the mapping.
	Perms hostarch.AccessType

	// Data is copied to the start of the mapping. The rest is zero.
	Data []byte

	// Populate is the number of bytes, counted back from the end of the
	// mapping, to populate. Zero populates the whole mapping.
	Populate uint64

	// Name is shown in Mappings.
	Name string
}

// MapDirect creates a private anonymous mapping and populates it eagerly
// with opts.Data. It fails with EEXIST if the range is not free.
func (mm *MemoryManager) MapDirect(ctx context.Context, opts MapDirectOpts) error {
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok || length == 0 || !opts.Addr.IsPageAligned() || uint64(len(opts.Data)) > length {
		return linuxerr.EINVAL
	}
	ar, ok := opts.Addr.ToRange(length)
	if !ok || ar.End > hostarch.UserMax {
		return linuxerr.ENOMEM
	}
	populate := ar
	if opts.Populate != 0 && opts.Populate < length {
		populate.Start = ar.End - hostarch.Addr(hostarch.PageRoundDown(opts.Populate))
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if len(mm.overlappingLocked(ar)) != 0 {
		return linuxerr.EEXIST
	}
	v := &vma{start: ar.Start, end: ar.End, perms: opts.Perms, private: true, name: opts.Name}
	mm.vmas.ReplaceOrInsert(v)
	mappingsMetric.Increment()

	for addr := populate.Start; addr < populate.End; addr += hostarch.PageSize {
		fr, err := mm.mf.Allocate()
		if err != nil {
			mm.unmapLocked(ctx, ar)
			return err
		}
		if off := uint64(addr - ar.Start); off < uint64(len(opts.Data)) {
			copy(mm.mf.Bytes(fr), opts.Data[off:])
		}
		mm.mapPageLocked(addr, fr, opts.Perms, false, true, regionDirect)
	}
	return nil
}

// MapStack creates the stack mapping [StackBase, StackTop), populating its
// top StackPopulated bytes, and places the program break above it.
func (mm *MemoryManager) MapStack(ctx context.Context) (hostarch.AddrRange, error) {
	ar := hostarch.AddrRange{Start: StackBase, End: StackTop}
	if err := mm.MapDirect(ctx, MapDirectOpts{
		Addr:     ar.Start,
		Length:   uint64(ar.Length()),
		Perms:    hostarch.ReadWrite,
		Populate: StackPopulated,
		Name:     "[stack]",
	}); err != nil {
		return hostarch.AddrRange{}, err
	}
	mm.BrkSetup(ctx, BrkBase)
	return ar, nil
}
