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
	"fmt"
	"time"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/metric"
	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/pkg/sentry/platform/tlb"
)

// FaultKind is the kind of access that missed the TLB.
type FaultKind int

const (
	// FaultRead is a read that found no valid TLB entry.
	FaultRead FaultKind = iota

	// FaultWrite is a write that found no valid TLB entry.
	FaultWrite

	// FaultReadOnly is a write through a valid entry without the dirty bit.
	FaultReadOnly
)

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

var (
	faults          = metric.MustCreateNewUint64Metric("/mm/faults", "Number of TLB faults by kind.", metric.NewField("kind", "read", "write", "readonly", "invalid"))
	hardFaults      = metric.MustCreateNewUint64Metric("/mm/hard_faults", "Number of TLB faults that could not be resolved.")
	tlbReplacements = metric.MustCreateNewUint64Metric("/mm/tlb_random_replacements", "Number of TLB refills that evicted a valid entry.")
	forks           = metric.MustCreateNewUint64Metric("/mm/forks", "Number of address spaces duplicated.")

	// faultLog lets both lines of a single fault through together.
	faultLog = log.RateLimitedLoggerBurst(log.Log(), time.Second, faultLogBurst)
)

const faultLogBurst = 2

// HandleFault resolves a TLB miss at addr by loading the translation for its
// page into the current CPU's TLB. It fails with EFAULT if the page does not
// belong to the current address space, and never allocates memory.
func HandleFault(ctx context.Context, kind FaultKind, addr hostarch.Addr) error {
	page := addr.RoundDown()
	faultLog.Debugf("mm: fault: %v (%v)", page, kind)

	switch kind {
	case FaultReadOnly:
		// All user pages are created writable except region A after
		// loading, and writes there are errors.
		faults.Increment("readonly")
		hardFaults.Increment()
		return kernerr.EFAULT
	case FaultRead, FaultWrite:
		faults.Increment(kind.String())
	default:
		faults.Increment("invalid")
		return kernerr.EINVAL
	}

	as := AddressSpaceFromContext(ctx)
	if as == nil {
		hardFaults.Increment()
		return kernerr.EFAULT
	}

	as.mu.RLock()
	pa, inA, ok := as.translateLocked(page)
	readOnly := inA && as.loaded
	as.mu.RUnlock()
	if !ok {
		hardFaults.Increment()
		return kernerr.EFAULT
	}

	cpu := platform.CPUFromContext(ctx)
	if cpu == nil {
		panic("mm.HandleFault called outside a CPU")
	}
	hi := uint32(page)
	lo := uint32(pa) | tlb.LoValid | tlb.LoDirty
	if readOnly {
		lo &^= tlb.LoDirty
	}

	splx := cpu.SplHigh()
	defer splx()
	install(cpu.TLB(), hi, lo)
	faultLog.Debugf("mm: %v -> %v", page, pa)
	return nil
}

// install writes hi/lo into the first invalid slot of t, or a slot chosen by
// the hardware if every slot is valid. An existing entry for the same page is
// overwritten in place.
//
// Preconditions: interrupts are disabled on t's CPU.
func install(t *tlb.TLB, hi, lo uint32) {
	if i := t.Probe(hi); i >= 0 {
		if _, l := t.Read(i); l&tlb.LoValid != 0 {
			t.Write(hi, lo, i)
			return
		}
	}
	for i := 0; i < t.Len(); i++ {
		if _, l := t.Read(i); l&tlb.LoValid == 0 {
			t.Write(hi, lo, i)
			return
		}
	}
	tlbReplacements.Increment()
	t.Random(hi, lo)
}

// TLBShootdown would invalidate one translation on another CPU. Address
// spaces are only ever active on one CPU, so it is never needed.
func TLBShootdown(addr hostarch.Addr) {
	panic("dumbvm tried to do tlb shootdown?!")
}

// TLBShootdownAll would invalidate every translation on another CPU.
func TLBShootdownAll() {
	panic("dumbvm tried to do tlb shootdown?!")
}
