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

package kernel

import (
	"bytes"
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/sentry/vfs"
	"kcore.dev/kcore/pkg/sync"
)

// MaxFDs is the number of descriptor slots in an FDTable.
const MaxFDs = 64

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// ToLinuxFileFlags converts a kernel.FDFlags object to a Linux file flags
// representation.
func (f FDFlags) ToLinuxFileFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.O_CLOEXEC
	}
	return
}

// descriptor holds the details about a file descriptor, namely a pointer to
// the file itself and the descriptor flags.
type descriptor struct {
	file  *vfs.FileDescription
	flags FDFlags
}

// FDTable is used to manage File references and flags.
//
// The table holds one reference on each installed file. A file installed in
// several slots, through dup or fork, holds one reference per slot.
type FDTable struct {
	refs.AtomicRefCount

	// y is the Yielder used by waiters for mu. Immutable.
	y sync.Yielder

	// mu protects below.
	mu *sync.Semaphore

	// used contains the number of non-nil entries.
	used int

	descriptors [MaxFDs]descriptor
}

// NewFDTable returns an empty FDTable. Waiters for the table's lock yield
// through y.
func NewFDTable(y sync.Yielder) *FDTable {
	return &FDTable{y: y, mu: sync.NewBinarySemaphore(y)}
}

// NewFDTable returns an empty FDTable that may be used by tasks in k.
func (k *Kernel) NewFDTable() *FDTable {
	return NewFDTable(k.yielder)
}

// destroy removes all of the file descriptors from the map.
func (f *FDTable) destroy(ctx context.Context) {
	f.RemoveIf(ctx, func(*vfs.FileDescription, FDFlags) bool {
		return true
	})
}

// DecRef implements RefCounter.DecRef with destructor f.destroy.
func (f *FDTable) DecRef(ctx context.Context) {
	f.DecRefWithDestructor(func() { f.destroy(ctx) })
}

// Size returns the number of file descriptors currently installed.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// setLocked installs file at fd, taking a table reference on it and
// dropping the one held on the previous file.
//
// Preconditions: f.mu is locked. 0 <= fd < MaxFDs.
func (f *FDTable) setLocked(ctx context.Context, fd int32, file *vfs.FileDescription, flags FDFlags) {
	if file != nil {
		file.IncRef()
	}
	d := &f.descriptors[fd]
	orig := d.file
	switch {
	case orig == nil && file != nil:
		f.used++
	case orig != nil && file == nil:
		f.used--
	}
	*d = descriptor{file: file, flags: flags}
	if orig != nil {
		orig.DecRef(ctx)
	}
}

// forEachLocked iterates over all non-nil files.
//
// Preconditions: f.mu is locked.
func (f *FDTable) forEachLocked(fn func(fd int32, file *vfs.FileDescription, flags FDFlags)) {
	for fd := range f.descriptors {
		if d := f.descriptors[fd]; d.file != nil {
			fn(int32(fd), d.file, d.flags)
		}
	}
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b bytes.Buffer
	f.forEachLocked(func(fd int32, file *vfs.FileDescription, flags FDFlags) {
		b.WriteString(fmt.Sprintf("\tfd:%d => name %s\n", fd, file.Name()))
	})
	return b.String()
}

// NewFDs allocates new FDs guaranteed to be the lowest number available
// greater than or equal to the fd parameter. All files will share the set
// flags. Success is guaranteed to be all or none.
func (f *FDTable) NewFDs(ctx context.Context, fd int32, files []*vfs.FileDescription, flags FDFlags) (fds []int32, err error) {
	if fd < 0 {
		// Don't accept negative FDs.
		return nil, linuxerr.EINVAL
	}
	if fd >= MaxFDs {
		return nil, linuxerr.EMFILE
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Install all entries.
	for i := fd; i < MaxFDs && len(fds) < len(files); i++ {
		if f.descriptors[i].file == nil {
			f.setLocked(ctx, i, files[len(fds)], flags) // Set the descriptor.
			fds = append(fds, i)                        // Record the file descriptor.
		}
	}

	// Failure? Unwind existing FDs.
	if len(fds) < len(files) {
		for _, i := range fds {
			f.setLocked(ctx, i, nil, FDFlags{}) // Zap entry.
		}
		return nil, linuxerr.EMFILE
	}

	return fds, nil
}

// NewFDAt sets the file reference for the given FD. If there is an active
// reference for that FD, the ref count for that existing reference is
// decremented.
func (f *FDTable) NewFDAt(ctx context.Context, fd int32, file *vfs.FileDescription, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}
	if fd >= MaxFDs {
		return linuxerr.EMFILE
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Install the entry.
	f.setLocked(ctx, fd, file, flags)
	return nil
}

// SetFlags sets the flags for the given file descriptor.
func (f *FDTable) SetFlags(fd int32, flags FDFlags) error {
	if fd < 0 || fd >= MaxFDs {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d := &f.descriptors[fd]
	if d.file == nil {
		// No file found.
		return linuxerr.EBADF
	}

	// Update the flags.
	d.flags = flags
	return nil
}

// Get returns a reference to the file and the flags for the FD or nil if no
// file is defined for the given fd.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Get(fd int32) (*vfs.FileDescription, FDFlags) {
	if fd < 0 || fd >= MaxFDs {
		return nil, FDFlags{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d := f.descriptors[fd]
	if d.file == nil || !d.file.TryIncRef() {
		// No file available.
		return nil, FDFlags{}
	}
	// Reference acquired.
	return d.file, d.flags
}

// GetFDs returns a list of valid fds.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, f.used)
	f.forEachLocked(func(fd int32, file *vfs.FileDescription, flags FDFlags) {
		fds = append(fds, fd)
	})
	return fds
}

// Fork returns an independent FDTable referring to the same files.
func (f *FDTable) Fork(ctx context.Context) *FDTable {
	clone := NewFDTable(f.y)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.forEachLocked(func(fd int32, file *vfs.FileDescription, flags FDFlags) {
		// The set function here will acquire an appropriate table
		// reference for the clone. We don't need anything else.
		clone.setLocked(ctx, fd, file, flags)
	})
	return clone
}

// Remove removes an FD from and returns a non-file iff successful.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Remove(fd int32) *vfs.FileDescription {
	if fd < 0 || fd >= MaxFDs {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d := &f.descriptors[fd]
	orig := d.file
	if orig != nil {
		// The table reference passes to the caller.
		*d = descriptor{}
		f.used--
	}
	return orig
}

// RemoveIf removes all FDs where cond is true.
func (f *FDTable) RemoveIf(ctx context.Context, cond func(*vfs.FileDescription, FDFlags) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forEachLocked(func(fd int32, file *vfs.FileDescription, flags FDFlags) {
		if cond(file, flags) {
			f.setLocked(ctx, fd, nil, FDFlags{}) // Clear from table.
		}
	})
}
