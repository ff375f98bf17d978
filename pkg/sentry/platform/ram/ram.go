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

// Package ram simulates the machine's physical memory.
//
// Physical memory is a single contiguous range starting at physical address
// zero. The first page holds the exception vectors and is never handed out;
// the kernel image follows it. Before the VM system bootstraps, memory is
// handed out with StealMem, a bump allocator. GetSize reports the range that
// was never stolen and, as on the real machine, may be called only once:
// StealMem is invalid afterwards.
package ram

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/sync"
)

// ExceptionVectorsSize is the size of the reserved region at physical address
// zero.
const ExceptionVectorsSize = hostarch.PageSize

// RAM is the machine's physical memory.
type RAM struct {
	// mem is the host mapping that backs physical memory. mem[pa] is the
	// byte at physical address pa.
	mem []byte

	mu sync.Mutex

	// firstFree is the lowest physical address not yet stolen. It is zero
	// once GetSize has been called.
	//
	// +checklocks:mu
	firstFree hostarch.PhysAddr

	// lastAddr is the first physical address past the end of memory.
	//
	// +checklocks:mu
	lastAddr hostarch.PhysAddr
}

// New maps size bytes of zeroed physical memory. kernelImageSize bytes after
// the exception vectors are marked in use by the kernel image.
func New(size, kernelImageSize uint64) (*RAM, error) {
	if size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not page-aligned", size)
	}
	if size > hostarch.MaxKSeg0Memory {
		return nil, fmt.Errorf("memory size %#x exceeds the %#x bytes reachable through kseg0", size, hostarch.MaxKSeg0Memory)
	}
	reserved := ExceptionVectorsSize + (kernelImageSize+hostarch.PageMask)&^uint64(hostarch.PageMask)
	if reserved >= size {
		return nil, fmt.Errorf("memory size %#x leaves no room after %#x reserved bytes", size, reserved)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of physical memory: %w", size, err)
	}
	return &RAM{
		mem:       mem,
		firstFree: hostarch.PhysAddr(reserved),
		lastAddr:  hostarch.PhysAddr(size),
	}, nil
}

// Size returns the total amount of physical memory in bytes.
func (r *RAM) Size() uint64 {
	return uint64(len(r.mem))
}

// StealMem permanently takes npages pages from the bottom of free memory and
// returns their physical address.
//
// Preconditions: GetSize has not been called.
func (r *RAM) StealMem(npages uint32) (hostarch.PhysAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstFree == 0 {
		panic("ram: StealMem called after GetSize")
	}
	size := uint64(npages) * hostarch.PageSize
	if uint64(r.firstFree)+size > uint64(r.lastAddr) {
		return 0, kernerr.ENOMEM
	}
	pa := r.firstFree
	r.firstFree += hostarch.PhysAddr(size)
	return pa, nil
}

// GetSize returns the range of physical memory [lo, hi) that has not been
// stolen. It may only be called once.
func (r *RAM) GetSize() (lo, hi hostarch.PhysAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstFree == 0 {
		panic("ram: GetSize called twice")
	}
	lo, hi = r.firstFree, r.lastAddr
	r.firstFree = 0
	return lo, hi
}

// Slice returns the bytes of physical memory in [pa, pa+length).
func (r *RAM) Slice(pa hostarch.PhysAddr, length uint64) []byte {
	end := uint64(pa) + length
	if end > uint64(len(r.mem)) {
		panic(fmt.Sprintf("ram: access to [%#x, %#x) beyond the end of memory %#x", uint32(pa), end, len(r.mem)))
	}
	return r.mem[pa:end:end]
}

// Close unmaps physical memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
