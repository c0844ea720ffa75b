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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(64)
	for _, i := range []uint32{0, 3, 63, 64, 200} {
		b.Add(i)
	}
	b.Add(3)
	if got, want := b.GetNumOnes(), uint32(5); got != want {
		t.Errorf("GetNumOnes got %d want %d", got, want)
	}
	b.Remove(63)
	b.Remove(1000)
	if b.Has(63) || !b.Has(200) {
		t.Errorf("Has got 63=%t 200=%t", b.Has(63), b.Has(200))
	}
	if diff := cmp.Diff([]uint32{0, 3, 64, 200}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
}

func TestClearRange(t *testing.T) {
	b := New(1024)
	for i := uint32(0); i < 1024; i += 3 {
		b.Add(i)
	}
	b.ClearRange(10, 900)
	for _, i := range b.ToSlice() {
		if i >= 10 && i < 900 {
			t.Fatalf("member %d survived ClearRange", i)
		}
	}
	if got, want := b.GetNumOnes(), uint32(len(b.ToSlice())); got != want {
		t.Errorf("GetNumOnes got %d want %d", got, want)
	}
}

func TestClone(t *testing.T) {
	b := New(8)
	b.Add(5)
	c := b.Clone()
	c.Add(6)
	b.Reset()
	if !b.IsEmpty() || c.GetNumOnes() != 2 {
		t.Errorf("got b=%v c=%v", b.ToSlice(), c.ToSlice())
	}
}
