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

// Package pgalloc contains the physical frame allocator.
//
// Physical memory left over after the kernel image is tracked by the coremap,
// a table with one descriptor per page-sized frame. Allocations are runs of
// index-contiguous frames found by a first-fit scan; the first frame of a run
// (the head) records the run's length so that Free needs only the address
// the allocation returned.
//
// Until Bootstrap builds the coremap, allocations are carved permanently off
// the bottom of RAM with ram.StealMem.
package pgalloc

import (
	"fmt"

	"github.com/os161/vmsim/pkg/bitmap"
	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/metric"
	"github.com/os161/vmsim/pkg/sentry/platform/ram"
	"github.com/os161/vmsim/pkg/sync"
)

// DescriptorSize is the number of bytes of physical memory consumed by one
// coremap entry.
const DescriptorSize = 12

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/pgalloc/frames_allocated", "Number of physical frames handed out.")
	framesFreed     = metric.MustCreateNewUint64Metric("/pgalloc/frames_freed", "Number of physical frames returned to the coremap.")
	allocFailures   = metric.MustCreateNewUint64Metric("/pgalloc/allocation_failures", "Number of allocation requests that could not be satisfied.")
)

// Role is the part a frame plays in an allocation.
type Role uint8

const (
	// RoleFree marks an unallocated frame.
	RoleFree Role = iota

	// RoleHead marks the first frame of a run.
	RoleHead

	// RoleContinuation marks every frame of a run after the head.
	RoleContinuation
)

// String implements fmt.Stringer.String.
func (r Role) String() string {
	switch r {
	case RoleFree:
		return "free"
	case RoleHead:
		return "head"
	case RoleContinuation:
		return "cont"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Frame describes one physical frame.
type Frame struct {
	// Addr is the frame's physical address.
	Addr hostarch.PhysAddr

	// Role is RoleFree, or the frame's place in its run.
	Role Role

	// RunLength is the number of frames in the run. It is only set on the
	// head.
	RunLength uint32
}

// Occupied returns true if the frame belongs to an allocation.
func (f Frame) Occupied() bool {
	return f.Role != RoleFree
}

// Options configures a CoreMap.
type Options struct {
	// PanicOnExhaustion makes a failed allocation fatal instead of returning
	// ENOMEM.
	PanicOnExhaustion bool
}

// Usage summarizes coremap occupancy in frames.
type Usage struct {
	// Total is the number of frames tracked by the coremap.
	Total uint32 `json:"total" yaml:"total"`

	// Free is the number of unallocated tracked frames.
	Free uint32 `json:"free" yaml:"free"`

	// Used is the number of allocated tracked frames.
	Used uint32 `json:"used" yaml:"used"`

	// Reserved is the number of frames holding the coremap itself.
	Reserved uint32 `json:"reserved" yaml:"reserved"`

	// Stolen is the number of frames handed out before Bootstrap. They are
	// never returned.
	Stolen uint32 `json:"stolen" yaml:"stolen"`
}

// CoreMap allocates physical frames.
type CoreMap struct {
	ram  *ram.RAM
	opts Options

	// mu serializes every allocation and free, before and after Bootstrap.
	mu sync.Mutex

	// bootstrapped is set once frames and used are valid.
	//
	// +checklocks:mu
	bootstrapped bool

	// frames is the coremap. frames[i] describes the frame at
	// physical address base + i*PageSize.
	//
	// +checklocks:mu
	frames []Frame

	// used has bit i set iff frames[i] is occupied.
	//
	// +checklocks:mu
	used bitmap.Bitmap

	// base is the physical address of the first tracked frame.
	//
	// +checklocks:mu
	base hostarch.PhysAddr

	// reserved is the number of frames holding the coremap.
	//
	// +checklocks:mu
	reserved uint32

	// stolen is the number of frames obtained with StealMem.
	//
	// +checklocks:mu
	stolen uint32
}

// New returns an allocator over r. It hands out memory with r.StealMem until
// Bootstrap is called.
func New(r *ram.RAM, opts Options) *CoreMap {
	return &CoreMap{
		ram:  r,
		opts: opts,
	}
}

// Bootstrap builds the coremap over all memory not yet stolen. The coremap
// occupies the first pages of that memory and tracks the frames after it.
func (c *CoreMap) Bootstrap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrapped {
		return fmt.Errorf("coremap already bootstrapped")
	}

	lo, hi := c.ram.GetSize()
	total := uint32((hi - lo) / hostarch.PageSize)
	tableBytes := uint64(total) * DescriptorSize
	reserved := uint32((tableBytes + hostarch.PageMask) / hostarch.PageSize)
	if reserved >= total {
		return fmt.Errorf("%d frames of memory cannot hold a %d-byte coremap", total, tableBytes)
	}

	c.base = lo + hostarch.PhysAddr(reserved)*hostarch.PageSize
	c.reserved = reserved
	n := total - reserved
	c.frames = make([]Frame, n)
	for i := range c.frames {
		c.frames[i].Addr = c.base + hostarch.PhysAddr(i)*hostarch.PageSize
	}
	c.used = bitmap.New(n)
	c.bootstrapped = true
	log.Infof("Coremap: %d frames at [%v, %v), %d frames reserved for the table", n, c.base, hi, reserved)
	return nil
}

// Bootstrapped returns true once Bootstrap has succeeded.
func (c *CoreMap) Bootstrapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapped
}

// Allocate returns the physical address of n contiguous frames. The frames
// are not zeroed.
func (c *CoreMap) Allocate(n uint32) (hostarch.PhysAddr, error) {
	if n == 0 {
		return 0, kernerr.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bootstrapped {
		pa, err := c.ram.StealMem(n)
		if err != nil {
			return 0, c.exhaustedLocked(n)
		}
		c.stolen += n
		framesAllocated.IncrementBy(uint64(n))
		return pa, nil
	}

	i, ok := c.findLocked(n)
	if !ok {
		return 0, c.exhaustedLocked(n)
	}
	c.frames[i].Role = RoleHead
	c.frames[i].RunLength = n
	for j := i + 1; j < i+n; j++ {
		c.frames[j].Role = RoleContinuation
	}
	c.used.SetRange(i, i+n)
	framesAllocated.IncrementBy(uint64(n))
	return c.frames[i].Addr, nil
}

// findLocked returns the index of the first run of n free frames.
//
// +checklocks:c.mu
func (c *CoreMap) findLocked(n uint32) (uint32, bool) {
	size := c.used.Size()
	var start uint32
	for {
		i, ok := c.used.FirstZero(start)
		if !ok || size-i < n {
			return 0, false
		}
		end, ok := c.used.FirstOne(i)
		if !ok {
			end = size
		}
		if end-i >= n {
			return i, true
		}
		start = end
	}
}

// exhaustedLocked reports a failed request for n frames.
//
// +checklocks:c.mu
func (c *CoreMap) exhaustedLocked(n uint32) error {
	allocFailures.Increment()
	if c.opts.PanicOnExhaustion {
		panic("out of page (from getppages in dumbvm.c)")
	}
	log.Debugf("Coremap: no run of %d free frames", n)
	return kernerr.ENOMEM
}

// Free returns the run whose head is at pa. It does nothing if pa is not the
// head of an outstanding run, including before Bootstrap: stolen memory is
// never returned.
func (c *CoreMap) Free(pa hostarch.PhysAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.indexLocked(pa)
	if !ok || c.frames[i].Role != RoleHead {
		return
	}
	n := c.frames[i].RunLength
	for j := i; j < i+n; j++ {
		c.frames[j] = Frame{Addr: c.frames[j].Addr}
	}
	c.used.ClearRange(i, i+n)
	framesFreed.IncrementBy(uint64(n))
}

// indexLocked returns the coremap index of the frame at pa.
//
// +checklocks:c.mu
func (c *CoreMap) indexLocked(pa hostarch.PhysAddr) (uint32, bool) {
	if !c.bootstrapped || pa == 0 || !pa.IsPageAligned() || pa < c.base {
		return 0, false
	}
	i := uint32((pa - c.base) / hostarch.PageSize)
	if i >= uint32(len(c.frames)) {
		return 0, false
	}
	return i, true
}

// AllocKPages allocates n frames and returns their kernel virtual address.
func (c *CoreMap) AllocKPages(n uint32) (hostarch.Addr, error) {
	pa, err := c.Allocate(n)
	if err != nil {
		return 0, err
	}
	return hostarch.KernelAddr(pa), nil
}

// FreeKPages frees the run at kernel virtual address addr. Addresses outside
// kseg0 are ignored.
func (c *CoreMap) FreeKPages(addr hostarch.Addr) {
	pa, ok := hostarch.KernelPhys(addr)
	if !ok {
		return
	}
	c.Free(pa)
}

// Slice returns the bytes backing npages frames starting at pa.
func (c *CoreMap) Slice(pa hostarch.PhysAddr, npages uint32) []byte {
	return c.ram.Slice(pa, uint64(npages)*hostarch.PageSize)
}

// Zero fills npages frames starting at pa with zeroes.
func (c *CoreMap) Zero(pa hostarch.PhysAddr, npages uint32) {
	clear(c.Slice(pa, npages))
}

// Frames returns a copy of the coremap, or nil before Bootstrap.
func (c *CoreMap) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bootstrapped {
		return nil
	}
	return append([]Frame(nil), c.frames...)
}

// Usage returns current occupancy.
func (c *CoreMap) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := Usage{
		Reserved: c.reserved,
		Stolen:   c.stolen,
	}
	if c.bootstrapped {
		u.Total = c.used.Size()
		u.Used = c.used.GetNumOnes()
		u.Free = u.Total - u.Used
	}
	return u
}

// CheckInvariants verifies that the coremap is well formed: every run is a
// head followed by exactly RunLength-1 continuations, and the occupancy
// bitmap agrees with the descriptors.
func (c *CoreMap) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bootstrapped {
		return nil
	}
	var used uint32
	for i := uint32(0); i < uint32(len(c.frames)); {
		f := c.frames[i]
		if f.Occupied() != c.used.IsSet(i) {
			return fmt.Errorf("frame %d (%v): role %v disagrees with occupancy bitmap", i, f.Addr, f.Role)
		}
		switch f.Role {
		case RoleFree:
			if f.RunLength != 0 {
				return fmt.Errorf("free frame %d (%v) has run length %d", i, f.Addr, f.RunLength)
			}
			i++
		case RoleHead:
			n := f.RunLength
			if n == 0 || i+n > uint32(len(c.frames)) {
				return fmt.Errorf("run at frame %d (%v) has bad length %d", i, f.Addr, n)
			}
			for j := i + 1; j < i+n; j++ {
				if c.frames[j].Role != RoleContinuation || !c.used.IsSet(j) {
					return fmt.Errorf("run at frame %d (%v) broken at frame %d (role %v)", i, f.Addr, j, c.frames[j].Role)
				}
			}
			used += n
			i += n
		default:
			return fmt.Errorf("frame %d (%v): %v without a preceding head", i, f.Addr, f.Role)
		}
	}
	if used != c.used.GetNumOnes() {
		return fmt.Errorf("runs cover %d frames, bitmap has %d", used, c.used.GetNumOnes())
	}
	return nil
}
