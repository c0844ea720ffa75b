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

// Package memfs provides a flat in-memory filesystem. Program images,
// workload data files, and the scratch files used by tests live here.
//
// Lock order:
//
//	filesystem.mu
//	  regularFile.mu
package memfs

import (
	"context"
	"sort"
	"strings"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/vfs"
	"kcore.dev/kcore/pkg/sync"
)

// Mode bits reported by Stat.
const (
	modeRegular   = 0100000
	modeDirectory = 0040000
)

// Filesystem implements vfs.FilesystemImpl.
type Filesystem struct {
	mf *pgalloc.MemoryFile

	// mu protects files.
	mu    sync.RWMutex
	files map[string]*regularFile
}

// NewFilesystem returns an empty filesystem whose page caches allocate from
// mf.
func NewFilesystem(mf *pgalloc.MemoryFile) *Filesystem {
	return &Filesystem{mf: mf, files: make(map[string]*regularFile)}
}

// regularFile is a file's contents, shared by all descriptions of it.
type regularFile struct {
	name string
	mf   *pgalloc.MemoryFile

	// mu protects the fields below.
	mu   sync.Mutex
	data []byte

	// pages is the page cache used by shared mappings, created on first
	// use. It holds its own reference for the lifetime of the file.
	pages *memmap.SharedPages
}

// WriteFile creates or replaces the file at name.
func (fs *Filesystem) WriteFile(name string, data []byte) {
	name = strings.TrimPrefix(name, "/")
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f, ok := fs.files[name]; ok {
		f.mu.Lock()
		f.data = append([]byte(nil), data...)
		f.mu.Unlock()
		return
	}
	fs.files[name] = &regularFile{name: name, mf: fs.mf, data: append([]byte(nil), data...)}
}

// ReadFile returns a copy of the contents of name.
func (fs *Filesystem) ReadFile(name string) ([]byte, error) {
	fs.mu.RLock()
	f, ok := fs.files[strings.TrimPrefix(name, "/")]
	fs.mu.RUnlock()
	if !ok {
		return nil, linuxerr.ENOENT
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...), nil
}

// Names returns the file names in lexical order.
func (fs *Filesystem) Names() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	names := make([]string, 0, len(fs.files))
	for n := range fs.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenAt implements vfs.FilesystemImpl.OpenAt.
func (fs *Filesystem) OpenAt(ctx context.Context, rel string, flags uint32) (*vfs.FileDescription, error) {
	if rel == "." {
		return nil, linuxerr.EISDIR
	}
	fs.mu.Lock()
	f, ok := fs.files[rel]
	if !ok {
		if flags&linux.O_CREAT == 0 {
			fs.mu.Unlock()
			return nil, linuxerr.ENOENT
		}
		f = &regularFile{name: rel, mf: fs.mf}
		fs.files[rel] = f
	}
	fs.mu.Unlock()

	if flags&linux.O_TRUNC != 0 && flags&linux.O_ACCMODE != linux.O_RDONLY {
		f.mu.Lock()
		f.data = f.data[:0]
		f.mu.Unlock()
	}
	return vfs.NewFileDescription(&regularFileFD{file: f}, flags, "/"+rel), nil
}

// regularFileFD implements vfs.FileDescriptionImpl for regular files.
type regularFileFD struct {
	file *regularFile
}

// Release implements vfs.FileDescriptionImpl.Release.
func (fd *regularFileFD) Release(ctx context.Context) {}

// PRead implements vfs.FileDescriptionImpl.PRead.
func (fd *regularFileFD) PRead(ctx context.Context, dst []byte, offset int64) (int64, error) {
	f := fd.file
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	return int64(copy(dst, f.data[offset:])), nil
}

// PWrite implements vfs.FileDescriptionImpl.PWrite.
func (fd *regularFileFD) PWrite(ctx context.Context, src []byte, offset int64) (int64, error) {
	f := fd.file
	f.mu.Lock()
	defer f.mu.Unlock()
	end := offset + int64(len(src))
	if end > int64(len(f.data)) {
		if end > int64(cap(f.data)) {
			grown := make([]byte, end, end*2)
			copy(grown, f.data)
			f.data = grown
		} else {
			f.data = f.data[:end]
		}
	}
	return int64(copy(f.data[offset:], src)), nil
}

// Stat implements vfs.FileDescriptionImpl.Stat.
func (fd *regularFileFD) Stat(ctx context.Context) (vfs.Stat, error) {
	f := fd.file
	f.mu.Lock()
	defer f.mu.Unlock()
	return vfs.Stat{Size: int64(len(f.data)), Mode: modeRegular | 0644}, nil
}

// Mappable implements vfs.MappableImpl.Mappable.
func (fd *regularFileFD) Mappable() memmap.Mappable {
	f := fd.file
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = memmap.NewSharedPages(f.mf, "memfs:/"+f.name)
	}
	return f.pages
}
