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

// Package pgalloc contains the physical frame allocator backing every
// address space in the kernel.
package pgalloc

import (
	"fmt"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sync"
)

// Frame is a physical frame number. The zero Frame is never allocated and
// means "no frame".
type Frame uint64

// MemoryFileOpts configures a MemoryFile.
type MemoryFileOpts struct {
	// MaxFrames bounds the number of frames that may be allocated at once.
	// Allocation beyond it fails with ENOMEM.
	MaxFrames int
}

// DefaultMaxFrames is used when MemoryFileOpts.MaxFrames is zero: 64 MiB of
// physical memory.
const DefaultMaxFrames = 16384

// MemoryFile is the physical memory of the machine: a pool of page-sized
// frames, each with a reference count. A frame returns to the pool when its
// last reference is dropped.
type MemoryFile struct {
	opts MemoryFileOpts

	// mu protects the fields below.
	mu sync.Mutex

	// frames[f] is the contents of frame f. Contents are allocated on first
	// use and kept for reuse after the frame is freed.
	frames [][]byte

	// refs[f] is the reference count of frame f; zero means free.
	refs []int32

	// free holds released frame numbers for reuse.
	free []Frame

	// inUse is the number of allocated frames.
	inUse int

	// peak is the high-water mark of inUse.
	peak int
}

// NewMemoryFile creates a MemoryFile.
func NewMemoryFile(opts MemoryFileOpts) *MemoryFile {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	return &MemoryFile{
		opts: opts,
		// Frame 0 is reserved.
		frames: make([][]byte, 1, 64),
		refs:   make([]int32, 1, 64),
	}
}

// Allocate returns a zeroed frame holding one reference.
func (f *MemoryFile) Allocate() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inUse >= f.opts.MaxFrames {
		return 0, linuxerr.ENOMEM
	}
	var fr Frame
	if n := len(f.free); n > 0 {
		fr = f.free[n-1]
		f.free = f.free[:n-1]
		clear(f.frames[fr])
	} else {
		fr = Frame(len(f.frames))
		f.frames = append(f.frames, make([]byte, hostarch.PageSize))
		f.refs = append(f.refs, 0)
	}
	f.refs[fr] = 1
	f.inUse++
	if f.inUse > f.peak {
		f.peak = f.inUse
	}
	return fr, nil
}

func (f *MemoryFile) checkLocked(fr Frame) {
	if fr == 0 || int(fr) >= len(f.refs) || f.refs[fr] <= 0 {
		panic(fmt.Sprintf("frame %d is not allocated", fr))
	}
}

// IncRef adds a reference to fr.
func (f *MemoryFile) IncRef(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkLocked(fr)
	f.refs[fr]++
}

// DecRef drops a reference to fr, freeing it when none remain.
func (f *MemoryFile) DecRef(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkLocked(fr)
	f.refs[fr]--
	if f.refs[fr] == 0 {
		f.free = append(f.free, fr)
		f.inUse--
		if log.IsLogging(log.Debug) {
			log.Debugf("pgalloc: freed frame %d, %d in use", fr, f.inUse)
		}
	}
}

// Refs returns the reference count of fr, or zero if it is free.
func (f *MemoryFile) Refs(fr Frame) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr == 0 || int(fr) >= len(f.refs) {
		return 0
	}
	return f.refs[fr]
}

// Bytes returns the contents of fr. The slice aliases the frame, like a
// kernel direct map.
//
// Preconditions: fr is allocated.
func (f *MemoryFile) Bytes(fr Frame) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkLocked(fr)
	return f.frames[fr]
}

// Usage describes frame consumption.
type Usage struct {
	InUse int `json:"in_use"`
	Peak  int `json:"peak"`
	Max   int `json:"max"`
}

// Usage returns the current frame consumption.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Usage{InUse: f.inUse, Peak: f.peak, Max: f.opts.MaxFrames}
}
