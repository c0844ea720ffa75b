// Copyright 2019 The gVisor Authors.
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

// Package vfs implements open file descriptions and the path namespace
// through which tasks reach them.
package vfs

import (
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sync"
)

// Stat is the subset of file metadata the kernel consumes.
type Stat struct {
	Size int64
	Mode uint32
}

// FileDescriptionImpl contains implementation details for a FileDescription.
// Implementations do not check the open mode; FileDescription does that.
type FileDescriptionImpl interface {
	// Release is called when the last reference on the FileDescription is
	// dropped.
	Release(ctx context.Context)

	// PRead reads from the file into dst, starting at the given offset, and
	// returns the number of bytes read.
	PRead(ctx context.Context, dst []byte, offset int64) (int64, error)

	// PWrite writes src to the file, starting at the given offset, and
	// returns the number of bytes written.
	PWrite(ctx context.Context, src []byte, offset int64) (int64, error)

	// Stat returns metadata for the file.
	Stat(ctx context.Context) (Stat, error)
}

// StreamImpl is implemented by FileDescriptionImpls without a file offset,
// such as terminals. Seek on them fails with ESPIPE and offsets passed to
// PRead/PWrite are meaningless.
type StreamImpl interface {
	IsStream() bool
}

// MappableImpl is implemented by FileDescriptionImpls that can back shared
// memory mappings.
type MappableImpl interface {
	Mappable() memmap.Mappable
}

// FileDescription represents an open file description, the entity
// referred to by a file descriptor.
//
// FileDescriptions are reference counted: dup and fork take references,
// close drops one, and the implementation is released with the last.
type FileDescription struct {
	refs.AtomicRefCount

	impl  FileDescriptionImpl
	flags uint32
	name  string

	// mu protects off.
	mu  sync.Mutex
	off int64
}

// NewFileDescription returns a FileDescription holding one reference.
func NewFileDescription(impl FileDescriptionImpl, flags uint32, name string) *FileDescription {
	return &FileDescription{impl: impl, flags: flags, name: name}
}

// Name returns the path the description was opened with.
func (fd *FileDescription) Name() string {
	return fd.name
}

// String implements fmt.Stringer.String.
func (fd *FileDescription) String() string {
	return fmt.Sprintf("%s(flags=%#o, refs=%d)", fd.name, fd.flags, fd.ReadRefs())
}

// DecRef decrements fd's reference count, releasing the implementation when
// it reaches zero.
func (fd *FileDescription) DecRef(ctx context.Context) {
	fd.DecRefWithDestructor(func() {
		log.Debugf("vfs: releasing %s", fd.name)
		fd.impl.Release(ctx)
	})
}

// StatusFlags returns file description status flags, as for fcntl(F_GETFL).
func (fd *FileDescription) StatusFlags() uint32 {
	return fd.flags
}

// IsReadable returns true if fd was opened for reading.
func (fd *FileDescription) IsReadable() bool {
	return fd.flags&linux.O_ACCMODE != linux.O_WRONLY
}

// IsWritable returns true if fd was opened for writing.
func (fd *FileDescription) IsWritable() bool {
	acc := fd.flags & linux.O_ACCMODE
	return acc == linux.O_WRONLY || acc == linux.O_RDWR
}

// Impl returns the FileDescriptionImpl associated with fd.
func (fd *FileDescription) Impl() FileDescriptionImpl {
	return fd.impl
}

func (fd *FileDescription) isStream() bool {
	s, ok := fd.impl.(StreamImpl)
	return ok && s.IsStream()
}

// Stat returns metadata for the file represented by fd.
func (fd *FileDescription) Stat(ctx context.Context) (Stat, error) {
	return fd.impl.Stat(ctx)
}

// PRead reads from the file represented by fd into dst, starting at the given
// offset, and returns the number of bytes read.
func (fd *FileDescription) PRead(ctx context.Context, dst []byte, offset int64) (int64, error) {
	if !fd.IsReadable() {
		return 0, linuxerr.EBADF
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	if fd.isStream() {
		return 0, linuxerr.ESPIPE
	}
	return fd.impl.PRead(ctx, dst, offset)
}

// Read is similar to PRead, but does not specify an offset.
func (fd *FileDescription) Read(ctx context.Context, dst []byte) (int64, error) {
	if !fd.IsReadable() {
		return 0, linuxerr.EBADF
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	n, err := fd.impl.PRead(ctx, dst, fd.off)
	if !fd.isStream() {
		fd.off += n
	}
	return n, err
}

// PWrite writes src to the file represented by fd, starting at the given
// offset, and returns the number of bytes written.
func (fd *FileDescription) PWrite(ctx context.Context, src []byte, offset int64) (int64, error) {
	if !fd.IsWritable() {
		return 0, linuxerr.EBADF
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	if fd.isStream() {
		return 0, linuxerr.ESPIPE
	}
	return fd.impl.PWrite(ctx, src, offset)
}

// Write is similar to PWrite, but does not specify an offset.
func (fd *FileDescription) Write(ctx context.Context, src []byte) (int64, error) {
	if !fd.IsWritable() {
		return 0, linuxerr.EBADF
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.flags&linux.O_APPEND != 0 && !fd.isStream() {
		st, err := fd.impl.Stat(ctx)
		if err != nil {
			return 0, err
		}
		fd.off = st.Size
	}
	n, err := fd.impl.PWrite(ctx, src, fd.off)
	if !fd.isStream() {
		fd.off += n
	}
	return n, err
}

// Seek changes fd's offset (assuming one exists) and returns its new value.
func (fd *FileDescription) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	if fd.isStream() {
		return 0, linuxerr.ESPIPE
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	var base int64
	switch whence {
	case linux.SEEK_SET:
	case linux.SEEK_CUR:
		base = fd.off
	case linux.SEEK_END:
		st, err := fd.impl.Stat(ctx)
		if err != nil {
			return 0, err
		}
		base = st.Size
	default:
		return 0, linuxerr.EINVAL
	}
	off := base + offset
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	fd.off = off
	return off, nil
}

// Mappable returns the object backing shared mappings of fd, or nil if fd
// cannot be mapped shared.
func (fd *FileDescription) Mappable() memmap.Mappable {
	if m, ok := fd.impl.(MappableImpl); ok {
		return m.Mappable()
	}
	return nil
}
