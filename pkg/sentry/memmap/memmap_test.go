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

package memmap

import (
	"testing"

	"kcore.dev/kcore/pkg/sentry/pgalloc"
)

type recordingSpace struct {
	got []uint64
}

func (r *recordingSpace) PageResident(m Mappable, pgoff uint64, frame pgalloc.Frame) {
	r.got = append(r.got, pgoff)
}

func TestTranslatePopulatesOnce(t *testing.T) {
	mf := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{})
	sp := NewSharedPages(mf, "test")
	fills := 0
	fill := func(dst []byte) error {
		fills++
		dst[0] = 'x'
		return nil
	}
	fr, populated, err := sp.Translate(2, fill)
	if err != nil || !populated {
		t.Fatalf("first Translate got populated=%t err=%v", populated, err)
	}
	fr2, populated, err := sp.Translate(2, fill)
	if err != nil || populated || fr2 != fr {
		t.Fatalf("second Translate got frame=%d populated=%t err=%v", fr2, populated, err)
	}
	if fills != 1 {
		t.Errorf("fills got %d want 1", fills)
	}
	if got := mf.Bytes(fr)[0]; got != 'x' {
		t.Errorf("frame contents got %q want 'x'", got)
	}
}

func TestPropagateSkipsSource(t *testing.T) {
	mf := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{})
	sp := NewSharedPages(mf, "test")
	a, b := &recordingSpace{}, &recordingSpace{}
	sp.AddMapping(a)
	sp.AddMapping(b)
	sp.AddMapping(b)
	sp.Propagate(a, 5, 1)
	if len(a.got) != 0 || len(b.got) != 1 || b.got[0] != 5 {
		t.Errorf("propagation got a=%v b=%v", a.got, b.got)
	}
	sp.RemoveMapping(b)
	if got := sp.Linked(); got != 2 {
		t.Errorf("Linked got %d want 2", got)
	}
	sp.RemoveMapping(b)
	if got := sp.Linked(); got != 1 {
		t.Errorf("Linked got %d want 1", got)
	}
}

func TestDecRefReleasesFrames(t *testing.T) {
	mf := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{})
	sp := NewSharedPages(mf, "test")
	for i := uint64(0); i < 3; i++ {
		if _, _, err := sp.Translate(i, nil); err != nil {
			t.Fatalf("Translate got err %v", err)
		}
	}
	if got := mf.Usage().InUse; got != 3 {
		t.Fatalf("InUse got %d want 3", got)
	}
	sp.DecRef()
	if got := mf.Usage().InUse; got != 0 {
		t.Errorf("InUse after DecRef got %d want 0", got)
	}
}
