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

// Package memmap defines semantics for memory mappings that are shared
// between address spaces.
package memmap

import (
	"fmt"
	"sort"

	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/sentry/pgalloc"
	"kcore.dev/kcore/pkg/sync"
)

// MappingSpace is an address space that maps pages of a Mappable.
type MappingSpace interface {
	// PageResident is called when page pgoff of m becomes resident in frame
	// as a result of a fault in another MappingSpace. Implementations map the
	// frame if they cover pgoff and have not taken private ownership of it.
	//
	// PageResident is called without any Mappable lock held.
	PageResident(m Mappable, pgoff uint64, frame pgalloc.Frame)
}

// Mappable represents a memory-mappable object: a sparse array of frames
// indexed by page offset, shared by every address space that maps it.
type Mappable interface {
	// AddMapping links ms to the object.
	AddMapping(ms MappingSpace)

	// RemoveMapping undoes one AddMapping call.
	RemoveMapping(ms MappingSpace)

	// Translate returns the frame backing page pgoff. If the page is not yet
	// resident, a frame is allocated and passed to fill; populated is true in
	// that case. The returned frame carries no additional reference.
	Translate(pgoff uint64, fill func(dst []byte) error) (frame pgalloc.Frame, populated bool, err error)

	// Propagate tells every linked MappingSpace other than from that pgoff
	// is resident in frame.
	Propagate(from MappingSpace, pgoff uint64, frame pgalloc.Frame)

	// IncRef and DecRef manage the lifetime of the object's frames.
	IncRef()
	DecRef()
}

// SharedPages is the standard Mappable: shared anonymous memory, the page
// cache of a file, or the image of a shared library.
//
// SharedPages holds one frame reference per resident page; address spaces
// mapping a page hold their own.
type SharedPages struct {
	refs.AtomicRefCount

	name string
	mf   *pgalloc.MemoryFile

	// mu protects the fields below.
	mu sync.Mutex

	// frames maps page offsets to resident frames.
	frames map[uint64]pgalloc.Frame

	// links counts AddMapping calls per address space.
	links map[MappingSpace]int
}

// NewSharedPages returns an empty SharedPages holding one reference.
func NewSharedPages(mf *pgalloc.MemoryFile, name string) *SharedPages {
	return &SharedPages{
		name:   name,
		mf:     mf,
		frames: make(map[uint64]pgalloc.Frame),
		links:  make(map[MappingSpace]int),
	}
}

// String implements fmt.Stringer.String.
func (s *SharedPages) String() string {
	return s.name
}

// AddMapping implements Mappable.AddMapping.
func (s *SharedPages) AddMapping(ms MappingSpace) {
	s.mu.Lock()
	s.links[ms]++
	s.mu.Unlock()
}

// RemoveMapping implements Mappable.RemoveMapping.
func (s *SharedPages) RemoveMapping(ms MappingSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.links[ms]
	if !ok {
		panic(fmt.Sprintf("%s: RemoveMapping of unlinked mapping space", s.name))
	}
	if n == 1 {
		delete(s.links, ms)
	} else {
		s.links[ms] = n - 1
	}
}

// Linked returns the number of distinct linked mapping spaces.
func (s *SharedPages) Linked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Translate implements Mappable.Translate.
func (s *SharedPages) Translate(pgoff uint64, fill func(dst []byte) error) (pgalloc.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fr, ok := s.frames[pgoff]; ok {
		return fr, false, nil
	}
	fr, err := s.mf.Allocate()
	if err != nil {
		return 0, false, err
	}
	if fill != nil {
		if err := fill(s.mf.Bytes(fr)); err != nil {
			s.mf.DecRef(fr)
			return 0, false, err
		}
	}
	s.frames[pgoff] = fr
	return fr, true, nil
}

// Lookup returns the resident frame for pgoff, if any.
func (s *SharedPages) Lookup(pgoff uint64) (pgalloc.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fr, ok := s.frames[pgoff]
	return fr, ok
}

// Resident returns the resident page offsets in increasing order.
func (s *SharedPages) Resident() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offs := make([]uint64, 0, len(s.frames))
	for off := range s.frames {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}

// Propagate implements Mappable.Propagate.
func (s *SharedPages) Propagate(from MappingSpace, pgoff uint64, frame pgalloc.Frame) {
	s.mu.Lock()
	targets := make([]MappingSpace, 0, len(s.links))
	for ms := range s.links {
		if ms != from {
			targets = append(targets, ms)
		}
	}
	s.mu.Unlock()

	for _, ms := range targets {
		ms.PageResident(s, pgoff, frame)
	}
}

// DecRef implements Mappable.DecRef.
func (s *SharedPages) DecRef() {
	s.DecRefWithDestructor(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for off, fr := range s.frames {
			s.mf.DecRef(fr)
			delete(s.frames, off)
		}
	})
}
