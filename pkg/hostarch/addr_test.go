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

import "testing"

func TestRoundDown(t *testing.T) {
	for _, test := range []struct {
		addr Addr
		want Addr
	}{
		{0, 0},
		{1, 0},
		{PageSize - 1, 0},
		{PageSize, PageSize},
		{0x401003, 0x401000},
		{0xffffffff, 0xfffff000},
	} {
		if got := test.addr.RoundDown(); got != test.want {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.want)
		}
	}
}

func TestRoundUp(t *testing.T) {
	if got, ok := Addr(0x401003).RoundUp(); !ok || got != 0x402000 {
		t.Errorf("RoundUp(0x401003) = %v, %t, want 0x402000, true", got, ok)
	}
	if _, ok := Addr(0xfffff001).RoundUp(); ok {
		t.Errorf("RoundUp(0xfffff001) did not report wraparound")
	}
}

func TestPagesFor(t *testing.T) {
	for _, test := range []struct {
		offset uint32
		length uint64
		want   uint32
	}{
		{0, 0, 0},
		{0, 1, 1},
		{3, 10, 1},
		{0, PageSize, 1},
		{1, PageSize, 2},
		{PageSize - 1, 2, 2},
	} {
		if got := PagesFor(test.offset, test.length); got != test.want {
			t.Errorf("PagesFor(%d, %d) = %d, want %d", test.offset, test.length, got, test.want)
		}
	}
}

func TestAddrRangeOverlaps(t *testing.T) {
	a := AddrRange{0x400000, 0x402000}
	for _, test := range []struct {
		other AddrRange
		want  bool
	}{
		{AddrRange{0x402000, 0x403000}, false},
		{AddrRange{0x3ff000, 0x400000}, false},
		{AddrRange{0x401000, 0x401000}, false},
		{AddrRange{0x401000, 0x403000}, true},
		{AddrRange{0x300000, 0x500000}, true},
	} {
		if got := a.Overlaps(test.other); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, test.other, got, test.want)
		}
	}
}

func TestAddrRangeTopOfMemory(t *testing.T) {
	ar, ok := Addr(0xfffff000).ToRange(PageSize)
	if !ok {
		t.Fatalf("ToRange at the top of memory overflowed")
	}
	if !ar.Contains(0xffffffff) {
		t.Errorf("%v does not contain 0xffffffff", ar)
	}
	if got := ar.Length(); got != PageSize {
		t.Errorf("%v.Length() = %d, want %d", ar, got, PageSize)
	}
}

func TestKernelAddr(t *testing.T) {
	if got := KernelAddr(0x1000); got != 0x80001000 {
		t.Errorf("KernelAddr(0x1000) = %v, want 0x80001000", got)
	}
	if pa, ok := KernelPhys(0x80001000); !ok || pa != 0x1000 {
		t.Errorf("KernelPhys(0x80001000) = %v, %t, want 0x1000, true", pa, ok)
	}
	if _, ok := KernelPhys(0x401000); ok {
		t.Errorf("KernelPhys accepted a user address")
	}
}
