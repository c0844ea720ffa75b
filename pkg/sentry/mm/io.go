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

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
)

// withPages calls fn for each page-sized chunk of [addr, addr+length),
// faulting pages in as a user access of type at would. fn receives the
// bytes of the chunk and returns false to stop early. withPages returns the
// number of bytes passed to fn and EFAULT if a page could not be faulted
// in.
func (mm *MemoryManager) withPages(ctx context.Context, addr hostarch.Addr, length int, at hostarch.AccessType, fn func(b []byte) bool) (int, error) {
	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		if cur < addr || !cur.IsUser() {
			return done, linuxerr.EFAULT
		}
		page, present, ok := mm.Access(cur, at)
		if !ok {
			if err := mm.HandleUserFault(ctx, cur, at, present); err != nil {
				return done, linuxerr.EFAULT
			}
			continue
		}
		off := int(cur.PageOffset())
		n := min(len(page)-off, length-done)
		if !fn(page[off : off+n]) {
			return done + n, nil
		}
		done += n
	}
	return done, nil
}

// CopyOut copies src to the task's memory at addr. It returns the number of
// bytes copied, and EFAULT if not all of src could be copied.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return mm.withPages(ctx, addr, len(src), hostarch.Write, func(b []byte) bool {
		src = src[copy(b, src):]
		return true
	})
}

// CopyIn copies len(dst) bytes from the task's memory at addr to dst.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return mm.withPages(ctx, addr, len(dst), hostarch.Read, func(b []byte) bool {
		dst = dst[copy(dst, b):]
		return true
	})
}

// ZeroOut zeroes length bytes of the task's memory at addr.
func (mm *MemoryManager) ZeroOut(ctx context.Context, addr hostarch.Addr, length int) (int, error) {
	return mm.withPages(ctx, addr, length, hostarch.Write, func(b []byte) bool {
		clear(b)
		return true
	})
}

// CopyInString copies a NUL-terminated string of at most maxlen bytes,
// excluding the terminator, from addr. It fails with ENAMETOOLONG if no
// terminator is found within maxlen bytes.
func (mm *MemoryManager) CopyInString(ctx context.Context, addr hostarch.Addr, maxlen int) (string, error) {
	var buf []byte
	found := false
	_, err := mm.withPages(ctx, addr, maxlen+1, hostarch.Read, func(b []byte) bool {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			buf = append(buf, b[:i]...)
			found = true
			return false
		}
		buf = append(buf, b...)
		return true
	})
	if found {
		return string(buf), nil
	}
	if err != nil {
		return "", err
	}
	return "", linuxerr.ENAMETOOLONG
}
