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

package mm

import (
	"context"
	"testing"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/pkg/sentry/platform/tlb"
)

func TestHandleFaultKinds(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	for _, test := range []struct {
		kind FaultKind
		want error
	}{
		{FaultRead, nil},
		{FaultWrite, nil},
		{FaultReadOnly, kernerr.EFAULT},
		{FaultKind(42), kernerr.EINVAL},
	} {
		Activate(ctx)
		err := HandleFault(ctx, test.kind, 0x400000)
		if test.want == nil && err != nil {
			t.Errorf("HandleFault(%v) got err %v, want nil", test.kind, err)
		}
		if test.want != nil && err != test.want {
			t.Errorf("HandleFault(%v) got err %v, want %v", test.kind, err, test.want)
		}
	}
}

func TestHandleFaultWithoutAddressSpace(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	for name, ctx := range map[string]context.Context{
		"no process":       platform.WithCPU(context.Background(), e.m.CPU(0)),
		"no address space": e.ctx(nil),
	} {
		if err := HandleFault(ctx, FaultRead, 0x400000); err != kernerr.EFAULT {
			t.Errorf("%s: HandleFault got err %v, want EFAULT", name, err)
		}
	}
}

func TestHandleFaultInstallsTranslation(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	Activate(ctx)

	for _, addr := range []hostarch.Addr{0x400000, 0x401fff, 0x10002abc, StackBase, hostarch.UserStack - 1} {
		if err := HandleFault(ctx, FaultRead, addr); err != nil {
			t.Fatalf("HandleFault(%v) failed: %v", addr, err)
		}
		pa, _, _ := as.Translate(addr)
		entry, ok := e.entryFor(addr)
		if !ok {
			t.Fatalf("no valid TLB entry for %v after fault", addr)
		}
		if got, want := entry.Lo&tlb.LoPageFrame, uint32(pa); got != want {
			t.Errorf("TLB maps %v to %#x, want %#x", addr, got, want)
		}
		if !entry.Dirty() {
			t.Errorf("entry for %v is not writable before the image is loaded", addr)
		}
	}
}

func TestHardFaults(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	for _, addr := range []hostarch.Addr{
		0x400000 - 1,        // one page below region A
		0x402000,            // just past region A
		0x10003000,          // just past region B
		StackBase - 1,       // just below the stack
		hostarch.UserStack,  // the stack top itself
		hostarch.KSeg0 + 16, // kernel space
		0,
	} {
		for _, kind := range []FaultKind{FaultRead, FaultWrite} {
			if err := HandleFault(ctx, kind, addr); err != kernerr.EFAULT {
				t.Errorf("HandleFault(%v, %v) got err %v, want EFAULT", kind, addr, err)
			}
		}
	}
}

func TestRepeatedFaultsResolveToSameFrame(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)

	var first uint32
	for i := 0; i < 5; i++ {
		Activate(ctx)
		if err := HandleFault(ctx, FaultWrite, 0x10001234); err != nil {
			t.Fatalf("HandleFault failed: %v", err)
		}
		entry, ok := e.entryFor(0x10001234)
		if !ok {
			t.Fatalf("no TLB entry after fault %d", i)
		}
		if i == 0 {
			first = entry.Lo & tlb.LoPageFrame
		} else if got := entry.Lo & tlb.LoPageFrame; got != first {
			t.Errorf("fault %d resolved to %#x, first resolved to %#x", i, got, first)
		}
	}
}

func TestRefaultWithoutFlush(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	Activate(ctx)
	for i := 0; i < 3; i++ {
		if err := HandleFault(ctx, FaultRead, 0x400000); err != nil {
			t.Fatalf("HandleFault failed: %v", err)
		}
	}
	valid := 0
	for _, entry := range e.m.CPU(0).TLB().Snapshot() {
		if entry.Valid() {
			valid++
		}
	}
	if valid != 1 {
		t.Errorf("%d valid TLB entries after refaulting one page, want 1", valid)
	}
}

func TestRegionAReadOnlyAfterLoad(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	Activate(ctx)
	if _, err := CopyOut(ctx, 0x400100, []byte{1, 2, 3}); err != nil {
		t.Fatalf("CopyOut to region A before CompleteLoad failed: %v", err)
	}

	as.CompleteLoad()
	Activate(ctx)
	if err := HandleFault(ctx, FaultRead, 0x400000); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	if entry, _ := e.entryFor(0x400000); entry.Dirty() {
		t.Errorf("region A entry %v is writable after CompleteLoad", entry)
	}
	if err := HandleFault(ctx, FaultRead, 0x10000000); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	if entry, _ := e.entryFor(0x10000000); !entry.Dirty() {
		t.Errorf("region B entry %v is read-only", entry)
	}

	got := make([]byte, 3)
	if _, err := CopyIn(ctx, 0x400100, got); err != nil {
		t.Fatalf("CopyIn from region A failed: %v", err)
	}
	if _, err := CopyOut(ctx, 0x400100, []byte{9}); err != kernerr.EFAULT {
		t.Errorf("CopyOut to region A after CompleteLoad got err %v, want EFAULT", err)
	}
	if got[0] != 1 || got[2] != 3 {
		t.Errorf("region A contents %v, want [1 2 3]", got)
	}
}

func TestRandomReplacementWhenFull(t *testing.T) {
	e := newTestEnv(t, 64, 4)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	Activate(ctx)

	before := tlbReplacements.Value()
	addrs := []hostarch.Addr{0x400000, 0x401000, 0x10000000, 0x10001000, 0x10002000, StackBase}
	for _, addr := range addrs {
		if err := HandleFault(ctx, FaultRead, addr); err != nil {
			t.Fatalf("HandleFault(%v) failed: %v", addr, err)
		}
		if _, ok := e.entryFor(addr); !ok {
			t.Errorf("no TLB entry for %v right after its fault", addr)
		}
	}
	for i, entry := range e.m.CPU(0).TLB().Snapshot() {
		if !entry.Valid() {
			t.Errorf("slot %d invalid after %d faults into a 4-entry TLB", i, len(addrs))
		}
	}
	if got := tlbReplacements.Value() - before; got != 2 {
		t.Errorf("%d random replacements, want 2", got)
	}
}

func TestActivate(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	as := e.newLoaded(t, Options{})
	ctx := e.ctx(as)
	if err := HandleFault(ctx, FaultRead, 0x400000); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}

	// Without an address space, Activate leaves the TLB alone.
	Activate(e.ctx(nil))
	if _, ok := e.entryFor(0x400000); !ok {
		t.Errorf("Activate without an address space flushed the TLB")
	}

	Activate(ctx)
	for i, entry := range e.m.CPU(0).TLB().Snapshot() {
		if entry.Valid() || entry.Hi != tlb.InvalidHi(i) {
			t.Errorf("slot %d = %v after Activate, want invalid", i, entry)
		}
	}
	Deactivate(ctx)
}

func TestShootdownPanics(t *testing.T) {
	for name, fn := range map[string]func(){
		"TLBShootdown":    func() { TLBShootdown(0x400000) },
		"TLBShootdownAll": TLBShootdownAll,
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s did not panic", name)
				}
			}()
			fn()
		}()
	}
}

// newOverlapping returns a prepared address space with region A at 0x400000
// and a writable region B at b. Overlap checking is off.
func (e *testEnv) newOverlapping(t *testing.T, aPages uint64, b hostarch.Addr, bPages uint64) *AddressSpace {
	t.Helper()
	as := NewAddressSpace(e.mf, Options{})
	if err := as.DefineRegion(0x400000, aPages*page, true, false, true); err != nil {
		t.Fatalf("DefineRegion(A) failed: %v", err)
	}
	if err := as.DefineRegion(b, bPages*page, true, true, false); err != nil {
		t.Fatalf("DefineRegion(B) failed: %v", err)
	}
	if err := as.PrepareLoad(); err != nil {
		t.Fatalf("PrepareLoad failed: %v", err)
	}
	return as
}

func TestOverlapPrefersRegionA(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	// A covers [0x400000, 0x402000) and B covers [0x401000, 0x403000).
	as := e.newOverlapping(t, 2, 0x401000, 2)
	if err := as.CompleteLoad(); err != nil {
		t.Fatalf("CompleteLoad failed: %v", err)
	}
	frames := as.Frames()
	aFrame, bFrame := frames[1], frames[2]

	pa, inA, ok := as.Translate(0x401010)
	if !ok || !inA || pa != aFrame {
		t.Errorf("Translate(0x401010) = (%#x, %t, %t), want (%#x, true, true)", pa, inA, ok, aFrame)
	}

	ctx := e.ctx(as)
	Activate(ctx)
	if err := HandleFault(ctx, FaultRead, 0x401010); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	entry, ok := e.entryFor(0x401010)
	if !ok {
		t.Fatalf("no valid TLB entry after fault")
	}
	if got := entry.Lo & tlb.LoPageFrame; got != uint32(aFrame) {
		t.Errorf("TLB maps overlapping page to %#x, want region A frame %#x (region B frame is %#x)", got, aFrame, bFrame)
	}
	if entry.Dirty() {
		t.Errorf("entry for overlapping page is writable after CompleteLoad, want read-only as region A")
	}

	// The page past A belongs to B alone.
	if err := HandleFault(ctx, FaultRead, 0x402000); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	entry, ok = e.entryFor(0x402000)
	if !ok {
		t.Fatalf("no valid TLB entry after fault")
	}
	if got, want := entry.Lo&tlb.LoPageFrame, uint32(frames[3]); got != want {
		t.Errorf("TLB maps 0x402000 to %#x, want region B frame %#x", got, want)
	}
	if !entry.Dirty() {
		t.Errorf("entry for region B page is read-only, want writable")
	}
}

func TestOverlapPrefersRegionBOverStack(t *testing.T) {
	e := newTestEnv(t, 64, tlb.DefaultEntries)
	// B covers the two lowest stack pages.
	as := e.newOverlapping(t, 1, StackBase, 2)
	frames := as.Frames()
	// Frames are ordered A, B, stack.
	bFrame, stackFrame := frames[1], frames[3]

	pa, inA, ok := as.Translate(StackBase)
	if !ok || inA || pa != bFrame {
		t.Errorf("Translate(%v) = (%#x, %t, %t), want (%#x, false, true)", StackBase, pa, inA, ok, bFrame)
	}

	ctx := e.ctx(as)
	Activate(ctx)
	if err := HandleFault(ctx, FaultWrite, StackBase); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	entry, ok := e.entryFor(StackBase)
	if !ok {
		t.Fatalf("no valid TLB entry after fault")
	}
	if got := entry.Lo & tlb.LoPageFrame; got != uint32(bFrame) {
		t.Errorf("TLB maps %v to %#x, want region B frame %#x (stack frame is %#x)", StackBase, got, bFrame, stackFrame)
	}

	// Above B the stack is used again.
	addr := StackBase + 2*page
	if err := HandleFault(ctx, FaultWrite, addr); err != nil {
		t.Fatalf("HandleFault failed: %v", err)
	}
	entry, ok = e.entryFor(addr)
	if !ok {
		t.Fatalf("no valid TLB entry after fault")
	}
	if got, want := entry.Lo&tlb.LoPageFrame, uint32(frames[5]); got != want {
		t.Errorf("TLB maps %v to %#x, want stack frame %#x", addr, got, want)
	}
}
