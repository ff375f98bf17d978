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
	"encoding/binary"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/sentry/pgalloc"
	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/pkg/sentry/platform/tlb"
)

// ByteOrder is the byte order of the simulated machine.
var ByteOrder binary.ByteOrder = binary.BigEndian

// maxFaultRetries bounds how many times one access may fault before it is
// treated as a hard fault.
const maxFaultRetries = 3

// translate returns the physical address that addr maps to on the current
// CPU, faulting the page in if the TLB misses.
func translate(ctx context.Context, addr hostarch.Addr, write bool) (hostarch.PhysAddr, error) {
	cpu := platform.CPUFromContext(ctx)
	if cpu == nil {
		panic("mm: user memory access outside a CPU")
	}
	if addr >= hostarch.UserSpaceTop {
		return 0, kernerr.EFAULT
	}
	hi := uint32(addr.RoundDown())
	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		splx := cpu.SplHigh()
		t := cpu.TLB()
		var lo uint32
		hit := false
		if i := t.Probe(hi); i >= 0 {
			_, lo = t.Read(i)
			hit = lo&tlb.LoValid != 0
		}
		splx()

		switch {
		case hit && write && lo&tlb.LoDirty == 0:
			return 0, HandleFault(ctx, FaultReadOnly, addr)
		case hit:
			return hostarch.PhysAddr(lo&tlb.LoPageFrame) + hostarch.PhysAddr(addr.PageOffset()), nil
		}

		kind := FaultRead
		if write {
			kind = FaultWrite
		}
		if err := HandleFault(ctx, kind, addr); err != nil {
			return 0, err
		}
	}
	return 0, kernerr.EFAULT
}

// access calls fn for each page-sized piece of [addr, addr+length) with the
// bytes of physical memory backing it. It stops at the first fault and
// returns the number of bytes processed.
func access(ctx context.Context, addr hostarch.Addr, length int, write bool, fn func(done int, mem []byte)) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if _, ok := addr.AddLength(uint64(length)); !ok {
		return 0, kernerr.EFAULT
	}
	as := AddressSpaceFromContext(ctx)
	if as == nil {
		return 0, kernerr.EFAULT
	}
	mf := as.mf
	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		pa, err := translate(ctx, cur, write)
		if err != nil {
			return done, err
		}
		n := min(length-done, int(hostarch.PageSize-cur.PageOffset()))
		fn(done, physBytes(mf, pa, n))
		done += n
	}
	return done, nil
}

// physBytes returns n bytes of physical memory at pa.
func physBytes(mf *pgalloc.CoreMap, pa hostarch.PhysAddr, n int) []byte {
	off := pa.PageOffset()
	return mf.Slice(pa.RoundDown(), 1)[off : off+uint32(n)]
}

// CopyOut copies src to the current address space at addr. It returns the
// number of bytes copied, which is less than len(src) only on error.
func CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return access(ctx, addr, len(src), true, func(done int, mem []byte) {
		copy(mem, src[done:])
	})
}

// CopyIn copies len(dst) bytes from the current address space at addr into
// dst. It returns the number of bytes copied, which is less than len(dst)
// only on error.
func CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return access(ctx, addr, len(dst), false, func(done int, mem []byte) {
		copy(dst[done:], mem)
	})
}

// ZeroOut zeroes length bytes of the current address space at addr.
func ZeroOut(ctx context.Context, addr hostarch.Addr, length int) (int, error) {
	return access(ctx, addr, length, true, func(_ int, mem []byte) {
		clear(mem)
	})
}

// CopyOutString copies s and a terminating NUL to addr. It returns the number
// of bytes written, including the NUL.
func CopyOutString(ctx context.Context, addr hostarch.Addr, s string) (int, error) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return CopyOut(ctx, addr, buf)
}

// CopyInString copies a NUL-terminated string of at most maxlen bytes,
// excluding the NUL, from addr. It fails with ENAMETOOLONG if no NUL is found
// within maxlen+1 bytes.
func CopyInString(ctx context.Context, addr hostarch.Addr, maxlen int) (string, error) {
	var buf []byte
	for len(buf) <= maxlen {
		cur, ok := addr.AddLength(uint64(len(buf)))
		if !ok {
			return "", kernerr.EFAULT
		}
		// Read up to the end of the current page.
		chunk := make([]byte, min(maxlen+1-len(buf), int(hostarch.PageSize-cur.PageOffset())))
		if _, err := CopyIn(ctx, cur, chunk); err != nil {
			return "", err
		}
		for i, b := range chunk {
			if b == 0 {
				return string(append(buf, chunk[:i]...)), nil
			}
		}
		buf = append(buf, chunk...)
	}
	return "", kernerr.ENAMETOOLONG
}

// CopyOutUint32 writes v to addr in the machine's byte order.
func CopyOutUint32(ctx context.Context, addr hostarch.Addr, v uint32) error {
	var b [4]byte
	ByteOrder.PutUint32(b[:], v)
	_, err := CopyOut(ctx, addr, b[:])
	return err
}

// CopyInUint32 reads a word from addr in the machine's byte order.
func CopyInUint32(ctx context.Context, addr hostarch.Addr) (uint32, error) {
	var b [4]byte
	if _, err := CopyIn(ctx, addr, b[:]); err != nil {
		return 0, err
	}
	return ByteOrder.Uint32(b[:]), nil
}
