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

	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/pkg/sentry/platform/tlb"
)

// Activate makes the current process's address space the one translated by
// the current CPU by invalidating every TLB entry. It does nothing if the
// current process has no address space.
func Activate(ctx context.Context) {
	if AddressSpaceFromContext(ctx) == nil {
		return
	}
	cpu := platform.CPUFromContext(ctx)
	if cpu == nil {
		panic("mm.Activate called outside a CPU")
	}
	splx := cpu.SplHigh()
	defer splx()
	flushLocked(cpu.TLB())
}

// Deactivate is called when the current process stops running on the current
// CPU. Activate flushes everything, so there is nothing to do.
func Deactivate(ctx context.Context) {}

// flushLocked invalidates every entry of t.
//
// Preconditions: interrupts are disabled on t's CPU.
func flushLocked(t *tlb.TLB) {
	for i := 0; i < t.Len(); i++ {
		t.Write(tlb.InvalidHi(i), tlb.InvalidLo(), i)
	}
}
