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

package hostarch

// Segment layout of the MIPS-style address space. User space occupies
// kuseg; kseg0 is a direct, cached mapping of the first 512MB of physical
// memory that the kernel uses to reach frames.
const (
	// UserSpaceTop is the first address above user space.
	UserSpaceTop Addr = 0x80000000

	// UserStack is the initial user stack pointer; the stack grows down
	// from here.
	UserStack = UserSpaceTop

	// KSeg0 is the base of the direct-mapped kernel segment.
	KSeg0 Addr = 0x80000000

	// KSeg1 is the base of the uncached direct-mapped kernel segment and the
	// end of KSeg0.
	KSeg1 Addr = 0xa0000000

	// MaxKSeg0Memory is the amount of physical memory reachable via KSeg0.
	MaxKSeg0Memory = uint64(KSeg1 - KSeg0)
)

// KernelAddr returns the kseg0 virtual address of pa.
func KernelAddr(pa PhysAddr) Addr {
	return Addr(pa) + KSeg0
}

// KernelPhys returns the physical address backing the kseg0 address v. ok is
// false if v is not in kseg0.
func KernelPhys(v Addr) (pa PhysAddr, ok bool) {
	if v < KSeg0 || v >= KSeg1 {
		return 0, false
	}
	return PhysAddr(v - KSeg0), true
}
