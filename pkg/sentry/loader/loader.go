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

// Package loader loads executable images into address spaces.
package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"path"

	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/mm"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sentry/vfs"
	"kcore.dev/kcore/pkg/sync"
)

// maxLoaderAttempts is the maximum number of attempts to try to load an
// interpreter scripts, to prevent loops. 6 (initial + 5 changes) is what
// the Linux kernel uses.
const maxLoaderAttempts = 6

// DefaultLibraryDir is where needed libraries are looked up.
const DefaultLibraryDir = "/lib"

// Loader loads images from a VirtualFilesystem.
type Loader struct {
	vfs    *vfs.VirtualFilesystem
	mf     *pgalloc.MemoryFile
	libDir string

	// mu protects libs.
	mu sync.Mutex

	// libs holds the loaded library instances by path.
	libs map[string]*Library
}

// New returns a Loader that resolves needed libraries in libDir.
func New(vfsObj *vfs.VirtualFilesystem, mf *pgalloc.MemoryFile, libDir string) *Loader {
	if libDir == "" {
		libDir = DefaultLibraryDir
	}
	return &Loader{
		vfs:    vfsObj,
		mf:     mf,
		libDir: libDir,
		libs:   make(map[string]*Library),
	}
}

// LoadedLibraries returns the number of loaded library instances.
func (ld *Loader) LoadedLibraries() int {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return len(ld.libs)
}

// LoadArgs holds specifications for a program load.
type LoadArgs struct {
	// MemoryManager is the memory manager to load the executable into. It
	// must contain no mappings.
	MemoryManager *mm.MemoryManager

	// WorkingDirectory resolves relative paths.
	WorkingDirectory string

	// Filename is the path of the executable.
	Filename string

	// Argv is the vector of arguments.
	Argv []string

	// Envv is the vector of environment variables.
	Envv []string
}

// ImageInfo describes a loaded program.
type ImageInfo struct {
	// Path is the resolved path of the executable, after any interpreter
	// scripts.
	Path string

	// Entry is the entry point.
	Entry hostarch.Addr

	// Stack is the initial stack pointer.
	Stack hostarch.Addr

	// Argv is the final argument vector.
	Argv []string

	// ArgvAddr and EnvvAddr are the user addresses of the argument and
	// environment pointer arrays.
	ArgvAddr hostarch.Addr
	EnvvAddr hostarch.Addr

	// Libraries are the linked libraries, each holding a reference owned by
	// the caller.
	Libraries []*Library

	// Image is the loaded executable.
	Image *Image
}

// ReleaseLibraries drops the references held on libs.
func ReleaseLibraries(libs []*Library) {
	for _, l := range libs {
		l.DecRef()
	}
}

// Load loads args.Filename into args.MemoryManager: the executable image,
// its libraries, the stack and the argument block. On failure the caller
// must discard the MemoryManager; Load releases any libraries it acquired.
func (ld *Loader) Load(ctx context.Context, args LoadArgs) (ImageInfo, error) {
	img, filename, argv, err := ld.loadExecutable(ctx, args)
	if err != nil {
		return ImageInfo{}, err
	}
	m := args.MemoryManager
	info := ImageInfo{Path: filename, Entry: img.Entry, Argv: argv, Image: img}

	if err := m.MapDirect(ctx, mm.MapDirectOpts{
		Addr:   img.Base,
		Length: uint64(len(img.Text)),
		Perms:  hostarch.ReadExec,
		Data:   img.Text,
		Name:   filename,
	}); err != nil {
		return ImageInfo{}, err
	}
	if len(img.Data) > 0 {
		if err := m.MapDirect(ctx, mm.MapDirectOpts{
			Addr:   img.DataBase(),
			Length: uint64(len(img.Data)),
			Perms:  hostarch.ReadWrite,
			Data:   img.Data,
			Name:   filename,
		}); err != nil {
			return ImageInfo{}, err
		}
	}

	if len(img.Needs) > MaxLibraries {
		return ImageInfo{}, linuxerr.ELIBMAX
	}
	for _, name := range img.Needs {
		lib, err := ld.acquireLibrary(ctx, name)
		if err == nil {
			if err = lib.mapInto(ctx, m); err != nil {
				lib.DecRef()
			}
		}
		if err != nil {
			ReleaseLibraries(info.Libraries)
			return ImageInfo{}, err
		}
		info.Libraries = append(info.Libraries, lib)
	}

	stack, err := m.MapStack(ctx)
	if err != nil {
		ReleaseLibraries(info.Libraries)
		return ImageInfo{}, err
	}
	info.Stack = stack.End

	block, argvAddr, envvAddr, err := argumentBlock(argv, args.Envv)
	if err == nil {
		err = m.MapDirect(ctx, mm.MapDirectOpts{
			Addr:   mm.ArgsBase,
			Length: uint64(len(block)),
			Perms:  hostarch.ReadWrite,
			Data:   block,
			Name:   "[args]",
		})
	}
	if err != nil {
		ReleaseLibraries(info.Libraries)
		return ImageInfo{}, err
	}
	info.ArgvAddr, info.EnvvAddr = argvAddr, envvAddr
	log.Debugf("Loaded %s: entry %#x, %d libraries", filename, info.Entry, len(info.Libraries))
	return info, nil
}

// loadExecutable opens and parses the executable, following interpreter
// scripts.
func (ld *Loader) loadExecutable(ctx context.Context, args LoadArgs) (*Image, string, []string, error) {
	filename, argv := args.Filename, args.Argv
	for i := 0; i < maxLoaderAttempts; i++ {
		f, err := ld.vfs.OpenAt(ctx, args.WorkingDirectory, filename, linux.O_RDONLY)
		if err != nil {
			return nil, "", nil, err
		}
		var magic [2]byte
		if _, err := f.PRead(ctx, magic[:], 0); err != nil {
			f.DecRef(ctx)
			return nil, "", nil, err
		}
		if string(magic[:]) == interpreterScriptMagic {
			filename, argv, err = parseInterpreterScript(ctx, filename, f, argv)
			f.DecRef(ctx)
			if err != nil {
				return nil, "", nil, err
			}
			continue
		}

		img, err := readImage(ctx, f)
		f.DecRef(ctx)
		if err != nil {
			return nil, "", nil, err
		}
		switch {
		case img.Kind == KindLibrary:
			return nil, "", nil, linuxerr.ELIBEXEC
		case len(img.Text) == 0, img.Base < mm.TextBase, img.End() > mm.ArgsBase:
			return nil, "", nil, linuxerr.ENOEXEC
		}
		return img, filename, argv, nil
	}
	return nil, "", nil, linuxerr.ELOOP
}

// readImage reads and parses the image in f.
func readImage(ctx context.Context, f *vfs.FileDescription) (*Image, error) {
	st, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if st.Size > maxImageSize {
		return nil, linuxerr.ENOEXEC
	}
	buf := make([]byte, st.Size)
	for off := int64(0); off < st.Size; {
		n, err := f.PRead(ctx, buf[off:], off)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, linuxerr.ENOEXEC
		}
		off += n
	}
	img := new(Image)
	if err := img.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return img, nil
}

// acquireLibrary returns a reference on the library named name, loading it
// if no instance exists.
func (ld *Loader) acquireLibrary(ctx context.Context, name string) (*Library, error) {
	p := name
	if !path.IsAbs(p) {
		p = path.Join(ld.libDir, name)
	}

	ld.mu.Lock()
	if l, ok := ld.libs[p]; ok && l.TryIncRef() {
		ld.mu.Unlock()
		return l, nil
	}
	ld.mu.Unlock()

	f, err := ld.vfs.OpenAt(ctx, "/", p, linux.O_RDONLY)
	if err != nil {
		log.Infof("Needed library %s: %v", p, err)
		return nil, linuxerr.ELIBACC
	}
	img, err := readImage(ctx, f)
	f.DecRef(ctx)
	if err != nil {
		return nil, linuxerr.ELIBBAD
	}
	if err := checkLibraryImage(img); err != nil {
		return nil, err
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()
	// Another task may have loaded it while the lock was dropped.
	if l, ok := ld.libs[p]; ok && l.TryIncRef() {
		return l, nil
	}
	for _, l := range ld.libs {
		if l.Base() == img.Base {
			log.Warningf("Library %s at %#x conflicts with %v", p, img.Base, l)
			return nil, linuxerr.ELIBBAD
		}
	}
	l, err := ld.newLibrary(p, img)
	if err != nil {
		return nil, err
	}
	ld.libs[p] = l
	log.Debugf("Loaded library %v", l)
	return l, nil
}

// argumentBlock lays out argv and envv for ArgsBase: the argv pointer array
// and the envv pointer array, each NULL-terminated, followed by the
// strings.
func argumentBlock(argv, envv []string) ([]byte, hostarch.Addr, hostarch.Addr, error) {
	ptrs := (len(argv) + 1 + len(envv) + 1) * 8
	size := ptrs
	for _, s := range argv {
		size += len(s) + 1
	}
	for _, s := range envv {
		size += len(s) + 1
	}
	if size > mm.ArgsSize {
		return nil, 0, 0, linuxerr.E2BIG
	}

	var (
		block   = make([]byte, ptrs, size)
		strs    bytes.Buffer
		argvOff = 0
		envvOff = (len(argv) + 1) * 8
	)
	put := func(off int, v []string) {
		for i, s := range v {
			addr := mm.ArgsBase + hostarch.Addr(ptrs+strs.Len())
			binary.LittleEndian.PutUint64(block[off+i*8:], uint64(addr))
			strs.WriteString(s)
			strs.WriteByte(0)
		}
	}
	put(argvOff, argv)
	put(envvOff, envv)
	block = append(block, strs.Bytes()...)
	return block, mm.ArgsBase + hostarch.Addr(argvOff), mm.ArgsBase + hostarch.Addr(envvOff), nil
}
