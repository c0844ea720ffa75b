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

package loader

import (
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/sentry/memmap"
	"kcore.dev/kcore/pkg/sentry/mm"
)

// MaxLibraries is the number of library slots in an address space.
const MaxLibraries = 8

// Library is a loaded instance of a shared library. Its pages are shared by
// every address space that maps it; writes to its data segment are
// copy-on-write.
//
// A Library holds one reference per task that links it. The instance is
// unloaded when the last reference is dropped.
type Library struct {
	refs.AtomicRefCount

	loader *Loader
	path   string
	image  *Image

	// pages holds the text pages followed by the data pages.
	pages *memmap.SharedPages
}

// Name returns the path the library was loaded from.
func (l *Library) Name() string {
	return l.path
}

// Base returns the load address of the library.
func (l *Library) Base() hostarch.Addr {
	return l.image.Base
}

// Symbol returns the address of an exported symbol.
func (l *Library) Symbol(name string) (hostarch.Addr, bool) {
	a, ok := l.image.Symbols[name]
	return a, ok
}

// String implements fmt.Stringer.String.
func (l *Library) String() string {
	return fmt.Sprintf("%s@%#x", l.path, l.image.Base)
}

// DecRef drops a reference, unloading the library with the last one.
func (l *Library) DecRef() {
	l.DecRefWithDestructor(func() {
		l.loader.mu.Lock()
		if l.loader.libs[l.path] == l {
			delete(l.loader.libs, l.path)
		}
		l.loader.mu.Unlock()
		log.Debugf("Unloading library %v", l)
		l.pages.DecRef()
	})
}

// checkLibraryImage validates the placement of a library image.
func checkLibraryImage(img *Image) error {
	if img.Kind != KindLibrary {
		return linuxerr.ELIBBAD
	}
	if img.Base < mm.LibraryBase || img.Base >= mm.LibraryBase+MaxLibraries*mm.LibrarySlot {
		return linuxerr.ELIBBAD
	}
	if (img.Base-mm.LibraryBase)%mm.LibrarySlot != 0 || img.End() > img.Base+mm.LibrarySlot {
		return linuxerr.ELIBBAD
	}
	if len(img.Text) == 0 {
		return linuxerr.ELIBBAD
	}
	return nil
}

// newLibrary instantiates img. The returned Library holds one reference.
func (ld *Loader) newLibrary(path string, img *Image) (*Library, error) {
	pages := memmap.NewSharedPages(ld.mf, "lib:"+path)
	fill := func(pgoff uint64, seg []byte) error {
		_, _, err := pages.Translate(pgoff, func(dst []byte) error {
			copy(dst, seg)
			return nil
		})
		return err
	}
	textPages := textSize(len(img.Text)) / hostarch.PageSize
	for i := uint64(0); i < textPages; i++ {
		if err := fill(i, img.Text[i*hostarch.PageSize:]); err != nil {
			pages.DecRef()
			return nil, err
		}
	}
	for off := uint64(0); off < uint64(len(img.Data)); off += hostarch.PageSize {
		if err := fill(textPages+off/hostarch.PageSize, img.Data[off:]); err != nil {
			pages.DecRef()
			return nil, err
		}
	}
	return &Library{loader: ld, path: path, image: img, pages: pages}, nil
}

// mapInto maps the library into m.
func (l *Library) mapInto(ctx context.Context, m *mm.MemoryManager) error {
	text := textSize(len(l.image.Text))
	if _, err := m.MMap(ctx, mm.MMapOpts{
		Addr:      l.image.Base,
		Length:    text,
		NoReplace: true,
		Perms:     hostarch.ReadExec,
		Private:   true,
		Mappable:  l.pages,
		Name:      l.path,
	}); err != nil {
		return err
	}
	if len(l.image.Data) == 0 {
		return nil
	}
	_, err := m.MMap(ctx, mm.MMapOpts{
		Addr:      l.image.DataBase(),
		Length:    uint64(len(l.image.Data)),
		NoReplace: true,
		Perms:     hostarch.ReadWrite,
		Private:   true,
		Mappable:  l.pages,
		Offset:    text,
		Name:      l.path,
	})
	return err
}
