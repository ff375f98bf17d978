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

// Package bitmap provides a fixed-size bitmap with fast searches for set and
// unset bits.
package bitmap

import (
	"math/bits"
)

// Bitmap is a fixed-size bitmap. The zero value is an empty bitmap of size 0.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// bitBlock holds the bits, 64 per word. Bits at or beyond size are
	// always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// IsSet returns true if bit i is set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) IsSet(i uint32) bool {
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		b.bitBlock[blockNum] |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		b.bitBlock[blockNum] &^= mask
		b.numOnes--
	}
}

// SetRange sets the bits in [begin, end).
//
// Preconditions: begin <= end <= b.Size().
func (b *Bitmap) SetRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// ClearRange clears the bits in [begin, end).
//
// Preconditions: begin <= end <= b.Size().
func (b *Bitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// FirstZero returns the first unset bit in [start, Size()). ok is false if
// there is none.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, n := int(start/64), len(b.bitBlock)
	w := b.bitBlock[i] | ((uint64(1) << (start % 64)) - 1)
	for {
		if w != ^uint64(0) {
			bit = uint32(i*64 + bits.TrailingZeros64(^w))
			return bit, bit < b.size
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// FirstOne returns the first set bit in [start, Size()). ok is false if there
// is none.
func (b *Bitmap) FirstOne(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, n := int(start/64), len(b.bitBlock)
	w := b.bitBlock[i] &^ ((uint64(1) << (start % 64)) - 1)
	for {
		if w != 0 {
			return uint32(i*64 + bits.TrailingZeros64(w)), true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// ToSlice returns the indices of all set bits in ascending order.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	for i, w := range b.bitBlock {
		for w != 0 {
			j := w & -w
			out = append(out, uint32(i*64+bits.OnesCount64(j-1)))
			w ^= j
		}
	}
	return out
}
