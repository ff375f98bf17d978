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

// Package mm implements user address spaces and the TLB fault handler.
//
// An address space has two general regions (conventionally text and data,
// called A and B) and a fixed-size stack directly below UserStack. Every page
// of every region is backed by a physical frame as soon as the address space
// is prepared for loading; there is no demand paging. The fault handler
// therefore never allocates: it looks the frame up in the owning region's
// page table and refills the TLB.
package mm

import (
	"fmt"
	"math"
	"strings"

	"github.com/os161/vmsim/pkg/cleanup"
	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/pgalloc"
	"github.com/os161/vmsim/pkg/sync"
)

// StackPages is the size of every user stack in pages.
const StackPages = 12

// StackBase is the lowest address of the user stack.
const StackBase = hostarch.UserStack - StackPages*hostarch.PageSize

// Options controls region validation.
type Options struct {
	// RejectOverlap makes DefineRegion fail with EINVAL for a region that
	// overlaps the other region or the stack, or that extends past
	// UserSpaceTop. By default such regions are accepted and faults are
	// resolved against region A first, then B, then the stack.
	RejectOverlap bool
}

// Region is a contiguous range of user pages.
type Region struct {
	// Base is the page-aligned first address of the region.
	Base hostarch.Addr

	// Pages is the length of the region in pages.
	Pages uint32

	// Read, Write and Exec are the protections requested for the region.
	// They are recorded but not enforced.
	Read, Write, Exec bool

	// defined is set once DefineRegion has claimed the region.
	defined bool

	// table maps the region's pages to frames. It is nil until
	// PrepareLoad. A zero entry is a page whose frame could not be
	// allocated.
	table []hostarch.PhysAddr
}

// Defined returns true if the region has been declared.
func (r Region) Defined() bool {
	return r.defined
}

// Range returns the virtual addresses covered by r.
func (r Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Base, End: r.Base + hostarch.Addr(r.Pages)*hostarch.PageSize}
}

// contains returns true if page-aligned addr falls inside a defined r.
func (r Region) contains(addr hostarch.Addr) bool {
	return r.defined && addr >= r.Base && uint64(addr-r.Base) < uint64(r.Pages)*hostarch.PageSize
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	perms := []byte("---")
	if r.Read {
		perms[0] = 'r'
	}
	if r.Write {
		perms[1] = 'w'
	}
	if r.Exec {
		perms[2] = 'x'
	}
	return fmt.Sprintf("%v %s %d pages", r.Range(), perms, r.Pages)
}

// AddressSpace is a user address space.
type AddressSpace struct {
	mf   *pgalloc.CoreMap
	opts Options

	mu sync.RWMutex

	// regions holds region A and region B, in that order.
	//
	// +checklocks:mu
	regions [2]Region

	// stack maps the stack's pages to frames. Page i is at
	// StackBase + i*PageSize. It is nil until PrepareLoad.
	//
	// +checklocks:mu
	stack []hostarch.PhysAddr

	// prepared is set once every page of every table has a frame.
	//
	// +checklocks:mu
	prepared bool

	// loaded is set by CompleteLoad. Region A translations are read-only
	// from then on.
	//
	// +checklocks:mu
	loaded bool
}

// NewAddressSpace returns an empty address space whose frames come from mf.
func NewAddressSpace(mf *pgalloc.CoreMap, opts Options) *AddressSpace {
	return &AddressSpace{
		mf:   mf,
		opts: opts,
	}
}

// DefineRegion declares a region covering [vaddr, vaddr+size), extended to
// whole pages. The first call defines region A and the second region B; any
// further region fails with EUNIMP.
func (as *AddressSpace) DefineRegion(vaddr hostarch.Addr, size uint64, read, write, exec bool) error {
	if size > math.MaxUint64-uint64(vaddr.PageOffset()) {
		return kernerr.EINVAL
	}
	size += uint64(vaddr.PageOffset())
	vaddr = vaddr.RoundDown()
	npages := (size + hostarch.PageMask) / hostarch.PageSize
	ar, ok := vaddr.ToRange(npages * hostarch.PageSize)
	if !ok {
		return kernerr.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.prepared || as.stack != nil {
		return kernerr.EINVAL
	}
	slot := -1
	for i := range as.regions {
		if !as.regions[i].defined {
			slot = i
			break
		}
	}
	if slot < 0 {
		log.Warningf("mm: too many regions, rejecting %v", ar)
		return kernerr.EUNIMP
	}
	if as.opts.RejectOverlap {
		if err := as.checkRegionLocked(ar); err != nil {
			return err
		}
	}
	as.regions[slot] = Region{
		Base:    vaddr,
		Pages:   uint32(npages),
		Read:    read,
		Write:   write,
		Exec:    exec,
		defined: true,
	}
	return nil
}

// checkRegionLocked enforces the strict region policy for ar.
//
// +checklocks:as.mu
func (as *AddressSpace) checkRegionLocked(ar hostarch.AddrRange) error {
	if uint64(ar.Start)+ar.Length() > uint64(hostarch.UserSpaceTop) {
		return kernerr.EINVAL
	}
	stack := hostarch.AddrRange{Start: StackBase, End: hostarch.UserStack}
	if ar.Overlaps(stack) {
		return kernerr.EINVAL
	}
	for i := range as.regions {
		if r := &as.regions[i]; r.defined && ar.Overlaps(r.Range()) {
			return kernerr.EINVAL
		}
	}
	return nil
}

// PrepareLoad backs every page of both regions and the stack with a zeroed
// frame. Calling it on a prepared address space does nothing.
//
// If memory runs out, PrepareLoad returns ENOMEM and keeps the frames it
// obtained, so that Destroy releases exactly those. A later call resumes
// where the failed one stopped.
func (as *AddressSpace) PrepareLoad() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.prepareLocked()
}

// +checklocks:as.mu
func (as *AddressSpace) prepareLocked() error {
	if as.prepared {
		return nil
	}
	for i := range as.regions {
		r := &as.regions[i]
		if !r.defined {
			continue
		}
		if r.table == nil {
			r.table = make([]hostarch.PhysAddr, r.Pages)
		}
		if err := as.fillLocked(r.table); err != nil {
			return err
		}
	}
	if as.stack == nil {
		as.stack = make([]hostarch.PhysAddr, StackPages)
	}
	if err := as.fillLocked(as.stack); err != nil {
		return err
	}
	as.prepared = true
	return nil
}

// fillLocked allocates and zeroes a frame for every empty entry of table.
//
// +checklocks:as.mu
func (as *AddressSpace) fillLocked(table []hostarch.PhysAddr) error {
	for i := range table {
		if table[i] != 0 {
			continue
		}
		pa, err := as.mf.Allocate(1)
		if err != nil {
			return err
		}
		as.mf.Zero(pa, 1)
		table[i] = pa
	}
	return nil
}

// CompleteLoad marks the executable image as fully loaded. Translations for
// region A installed afterwards are read-only.
func (as *AddressSpace) CompleteLoad() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.loaded = true
	return nil
}

// DefineStack returns the initial user stack pointer.
//
// Preconditions: PrepareLoad has succeeded.
func (as *AddressSpace) DefineStack() (hostarch.Addr, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if !as.prepared {
		return 0, kernerr.EINVAL
	}
	return hostarch.UserStack, nil
}

// Fork returns a deep copy of as: an address space with the same regions,
// backed by new frames holding the same contents.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	c := NewAddressSpace(as.mf, as.opts)
	cu := cleanup.Make(c.Destroy)
	defer cu.Clean()

	c.mu.Lock()
	for i := range as.regions {
		r := as.regions[i]
		r.table = nil
		c.regions[i] = r
	}
	c.loaded = as.loaded
	err := c.prepareLocked()
	c.mu.Unlock()
	if err != nil {
		log.Debugf("mm: fork failed: %v", err)
		return nil, kernerr.ENOMEM
	}

	c.mu.Lock()
	for i := range as.regions {
		copyFrames(as.mf, c.regions[i].table, as.regions[i].table)
	}
	copyFrames(as.mf, c.stack, as.stack)
	c.mu.Unlock()
	cu.Release()
	forks.Increment()
	return c, nil
}

// copyFrames copies the contents of each frame of src into the matching frame
// of dst. Entries that were never allocated are skipped.
func copyFrames(mf *pgalloc.CoreMap, dst, src []hostarch.PhysAddr) {
	for i := range src {
		if i >= len(dst) || src[i] == 0 || dst[i] == 0 {
			continue
		}
		copy(mf.Slice(dst[i], 1), mf.Slice(src[i], 1))
	}
}

// Destroy frees every frame held by as. as must not be used afterwards.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := range as.regions {
		as.freeLocked(as.regions[i].table)
		as.regions[i].table = nil
	}
	as.freeLocked(as.stack)
	as.stack = nil
	as.prepared = false
}

// +checklocks:as.mu
func (as *AddressSpace) freeLocked(table []hostarch.PhysAddr) {
	for _, pa := range table {
		if pa != 0 {
			as.mf.Free(pa)
		}
	}
}

// RegionA returns a copy of region A.
func (as *AddressSpace) RegionA() Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions[0]
}

// RegionB returns a copy of region B.
func (as *AddressSpace) RegionB() Region {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.regions[1]
}

// Prepared returns true once PrepareLoad has succeeded.
func (as *AddressSpace) Prepared() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.prepared
}

// Loaded returns true once CompleteLoad has been called.
func (as *AddressSpace) Loaded() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.loaded
}

// Frames returns every frame held by as, in region A, region B, stack order.
func (as *AddressSpace) Frames() []hostarch.PhysAddr {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var out []hostarch.PhysAddr
	for i := range as.regions {
		for _, pa := range as.regions[i].table {
			if pa != 0 {
				out = append(out, pa)
			}
		}
	}
	for _, pa := range as.stack {
		if pa != 0 {
			out = append(out, pa)
		}
	}
	return out
}

// Translate returns the frame backing the page containing addr and whether
// the page belongs to region A. ok is false if addr is outside every region
// or its page has no frame.
func (as *AddressSpace) Translate(addr hostarch.Addr) (pa hostarch.PhysAddr, inA bool, ok bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.translateLocked(addr.RoundDown())
}

// translateLocked classifies page-aligned addr into region A, region B or the
// stack, in that order.
//
// +checklocks:as.mu
func (as *AddressSpace) translateLocked(addr hostarch.Addr) (pa hostarch.PhysAddr, inA bool, ok bool) {
	for i := range as.regions {
		r := &as.regions[i]
		if !r.contains(addr) {
			continue
		}
		idx := (addr - r.Base) / hostarch.PageSize
		if int(idx) >= len(r.table) {
			return 0, false, false
		}
		pa = r.table[idx]
		return pa, i == 0, pa != 0
	}
	if addr >= StackBase && addr < hostarch.UserStack {
		idx := (addr - StackBase) / hostarch.PageSize
		if int(idx) >= len(as.stack) {
			return 0, false, false
		}
		pa = as.stack[idx]
		return pa, false, pa != 0
	}
	return 0, false, false
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	as.mu.RLock()
	defer as.mu.RUnlock()
	var b strings.Builder
	for i, name := range []string{"A", "B"} {
		if r := as.regions[i]; r.defined {
			fmt.Fprintf(&b, "%s: %v\n", name, r)
		} else {
			fmt.Fprintf(&b, "%s: undefined\n", name)
		}
	}
	fmt.Fprintf(&b, "stack: %v %d pages", hostarch.AddrRange{Start: StackBase, End: hostarch.UserStack}, StackPages)
	return b.String()
}
