// Copyright 2026 The vmsim Authors.
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

// Package hostarch describes the address layout of the simulated machine.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a virtual page and of a physical frame.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// Addr is a 32-bit virtual address.
type Addr uint32

// PhysAddr is a physical address.
type PhysAddr uint32

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the page containing v.
func (v Addr) PageOffset() uint32 {
	return uint32(v & PageMask)
}

// IsPageAligned returns true if v is aligned to a page boundary.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the address space.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	sum := uint64(v) + length
	return Addr(sum), sum <= 1<<32
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint32(v))
}

// RoundDown returns the physical address rounded down to a frame boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PageMask
}

// PageOffset returns the offset of p into the frame containing p.
func (p PhysAddr) PageOffset() uint32 {
	return uint32(p & PageMask)
}

// IsPageAligned returns true if p is aligned to a frame boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&PageMask == 0
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint32(p))
}

// PagesFor returns the number of pages needed to cover length bytes starting
// at the given offset into a page.
func PagesFor(offset uint32, length uint64) uint32 {
	return uint32((uint64(offset) + length + PageMask) >> PageShift)
}

// AddrRange is a range of virtual addresses [Start, End). End may be zero to
// denote the very top of the 32-bit address space.
type AddrRange struct {
	Start Addr
	End   Addr
}

func (ar AddrRange) end() uint64 {
	if ar.End == 0 && ar.Start != 0 {
		return 1 << 32
	}
	return uint64(ar.End)
}

// Length returns the length of the range in bytes.
func (ar AddrRange) Length() uint64 {
	return ar.end() - uint64(ar.Start)
}

// Contains returns true if addr is in the range.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && uint64(addr) < ar.end()
}

// Overlaps returns true if ar and other overlap. Empty ranges overlap nothing.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	if ar.Length() == 0 || other.Length() == 0 {
		return false
	}
	return uint64(ar.Start) < other.end() && uint64(other.Start) < ar.end()
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint32(ar.Start), ar.end())
}
