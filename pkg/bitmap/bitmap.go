// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a compact set of small non-negative integers.
package bitmap

import (
	"math/bits"
)

// Bitmap is a set of uint32 values backed by 64-bit blocks. The zero value is
// an empty set that grows on Add.
type Bitmap struct {
	// numOnes is the number of members.
	numOnes uint32

	// blocks holds the members; bit i%64 of blocks[i/64] represents i.
	blocks []uint64
}

// New returns an empty Bitmap with room for size members before growing.
func New(size uint32) Bitmap {
	return Bitmap{blocks: make([]uint64, (size+63)/64)}
}

// IsEmpty returns true if the set has no members.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the capacity of the bitmap in bits.
func (b *Bitmap) Size() int {
	return len(b.blocks) * 64
}

// GetNumOnes returns the number of members.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Has returns true if i is a member.
func (b *Bitmap) Has(i uint32) bool {
	n := i / 64
	if int(n) >= len(b.blocks) {
		return false
	}
	return b.blocks[n]&(uint64(1)<<(i%64)) != 0
}

// Add adds i to the set.
func (b *Bitmap) Add(i uint32) {
	n, mask := i/64, uint64(1)<<(i%64)
	if int(n) >= len(b.blocks) {
		b.blocks = append(b.blocks, make([]uint64, int(n)-len(b.blocks)+1)...)
	}
	if b.blocks[n]&mask == 0 {
		b.blocks[n] |= mask
		b.numOnes++
	}
}

// Remove removes i from the set.
func (b *Bitmap) Remove(i uint32) {
	n, mask := i/64, uint64(1)<<(i%64)
	if int(n) >= len(b.blocks) {
		return
	}
	if b.blocks[n]&mask != 0 {
		b.blocks[n] &^= mask
		b.numOnes--
	}
}

// ClearRange removes every member in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; {
		n := i / 64
		if int(n) >= len(b.blocks) {
			return
		}
		// Clear whole blocks at once when the range covers them.
		if i%64 == 0 && end-i >= 64 {
			b.numOnes -= uint32(bits.OnesCount64(b.blocks[n]))
			b.blocks[n] = 0
			i += 64
			continue
		}
		b.Remove(i)
		i++
	}
}

// Reset removes every member.
func (b *Bitmap) Reset() {
	clear(b.blocks)
	b.numOnes = 0
}

// Clone returns a copy of the set.
func (b *Bitmap) Clone() Bitmap {
	c := Bitmap{numOnes: b.numOnes, blocks: make([]uint64, len(b.blocks))}
	copy(c.blocks, b.blocks)
	return c
}

// ToSlice returns the members in increasing order. For example, a bitmap of
// [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for n, block := range b.blocks {
		for block != 0 {
			// Extract the lowest set bit.
			j := block & -block
			out = append(out, uint32(n*64+bits.OnesCount64(j-1)))
			block ^= j
		}
	}
	return out
}
