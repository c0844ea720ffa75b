// Copyright 2020 The gVisor Authors.
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

// Package host provides files backed by the host: a directory of host files
// mounted into the kernel's namespace, and stream descriptions wrapping host
// readers and writers for the console.
package host

import (
	"context"
	"io"
	"path/filepath"

	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/vfs"
	"kcore.dev/kcore/pkg/sync"
)

// Filesystem exposes the host directory Root. It implements
// vfs.FilesystemImpl.
type Filesystem struct {
	Root string
	mf   *pgalloc.MemoryFile
}

// NewFilesystem returns a Filesystem rooted at the host directory root.
func NewFilesystem(mf *pgalloc.MemoryFile, root string) *Filesystem {
	return &Filesystem{Root: root, mf: mf}
}

func hostFlags(flags uint32) int {
	var f int
	switch flags & linux.O_ACCMODE {
	case linux.O_WRONLY:
		f = unix.O_WRONLY
	case linux.O_RDWR:
		f = unix.O_RDWR
	default:
		f = unix.O_RDONLY
	}
	if flags&linux.O_CREAT != 0 {
		f |= unix.O_CREAT
	}
	if flags&linux.O_TRUNC != 0 {
		f |= unix.O_TRUNC
	}
	if flags&linux.O_APPEND != 0 {
		f |= unix.O_APPEND
	}
	return f | unix.O_CLOEXEC
}

// OpenAt implements vfs.FilesystemImpl.OpenAt.
func (fs *Filesystem) OpenAt(ctx context.Context, rel string, flags uint32) (*vfs.FileDescription, error) {
	hostPath := filepath.Join(fs.Root, filepath.FromSlash(rel))
	hfd, err := unix.Open(hostPath, hostFlags(flags), 0644)
	if err != nil {
		return nil, translate(err)
	}
	return NewFD(fs.mf, hfd, flags, "host:"+hostPath), nil
}

func translate(err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return linuxerr.ErrorFromUnix(errno)
	}
	return err
}

// hostFD implements vfs.FileDescriptionImpl for a host file descriptor.
type hostFD struct {
	fd   int
	name string
	mf   *pgalloc.MemoryFile

	// mu protects pages.
	mu    sync.Mutex
	pages *memmap.SharedPages
}

// NewFD wraps the host file descriptor hfd, which the returned description
// owns and closes on release.
func NewFD(mf *pgalloc.MemoryFile, hfd int, flags uint32, name string) *vfs.FileDescription {
	return vfs.NewFileDescription(&hostFD{fd: hfd, name: name, mf: mf}, flags, name)
}

// Release implements vfs.FileDescriptionImpl.Release.
func (h *hostFD) Release(ctx context.Context) {
	h.mu.Lock()
	if h.pages != nil {
		h.pages.DecRef()
		h.pages = nil
	}
	h.mu.Unlock()
	if err := unix.Close(h.fd); err != nil {
		log.Warningf("host: closing %s (fd %d): %v", h.name, h.fd, err)
	}
}

// PRead implements vfs.FileDescriptionImpl.PRead.
func (h *hostFD) PRead(ctx context.Context, dst []byte, offset int64) (int64, error) {
	var done int64
	for done < int64(len(dst)) {
		n, err := unix.Pread(h.fd, dst[done:], offset+done)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, translate(err)
		}
		if n == 0 {
			break
		}
		done += int64(n)
	}
	return done, nil
}

// PWrite implements vfs.FileDescriptionImpl.PWrite.
func (h *hostFD) PWrite(ctx context.Context, src []byte, offset int64) (int64, error) {
	n, err := unix.Pwrite(h.fd, src, offset)
	if err != nil {
		// EINTR and EAGAIN are passed through; callers that must persist
		// data retry them.
		return int64(max(n, 0)), translate(err)
	}
	return int64(n), nil
}

// Stat implements vfs.FileDescriptionImpl.Stat.
func (h *hostFD) Stat(ctx context.Context) (vfs.Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return vfs.Stat{}, translate(err)
	}
	return vfs.Stat{Size: st.Size, Mode: st.Mode}, nil
}

// Mappable implements vfs.MappableImpl.Mappable.
func (h *hostFD) Mappable() memmap.Mappable {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pages == nil {
		h.pages = memmap.NewSharedPages(h.mf, h.name)
	}
	return h.pages
}

// streamFD implements vfs.FileDescriptionImpl and vfs.StreamImpl over a host
// reader and writer.
type streamFD struct {
	r io.Reader
	w io.Writer
}

// NewStream returns a description reading from r and writing to w, either of
// which may be nil. The open mode is derived from which are present.
func NewStream(name string, r io.Reader, w io.Writer) *vfs.FileDescription {
	var flags uint32
	switch {
	case r != nil && w != nil:
		flags = linux.O_RDWR
	case w != nil:
		flags = linux.O_WRONLY
	default:
		flags = linux.O_RDONLY
	}
	return vfs.NewFileDescription(&streamFD{r: r, w: w}, flags, name)
}

// IsStream implements vfs.StreamImpl.IsStream.
func (s *streamFD) IsStream() bool { return true }

// Release implements vfs.FileDescriptionImpl.Release.
func (s *streamFD) Release(ctx context.Context) {}

// PRead implements vfs.FileDescriptionImpl.PRead.
func (s *streamFD) PRead(ctx context.Context, dst []byte, offset int64) (int64, error) {
	if s.r == nil {
		return 0, linuxerr.EBADF
	}
	n, err := s.r.Read(dst)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return int64(n), linuxerr.EIO
	}
	return int64(n), nil
}

// PWrite implements vfs.FileDescriptionImpl.PWrite.
func (s *streamFD) PWrite(ctx context.Context, src []byte, offset int64) (int64, error) {
	if s.w == nil {
		return 0, linuxerr.EBADF
	}
	n, err := s.w.Write(src)
	if err != nil {
		return int64(n), linuxerr.EIO
	}
	return int64(n), nil
}

// Stat implements vfs.FileDescriptionImpl.Stat.
func (s *streamFD) Stat(ctx context.Context) (vfs.Stat, error) {
	return vfs.Stat{Mode: 0020000 | 0620}, nil
}
