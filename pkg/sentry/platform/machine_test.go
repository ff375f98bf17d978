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

package platform

import (
	"context"
	"testing"

	"github.com/os161/vmsim/pkg/hostarch"
)

func TestNewMachine(t *testing.T) {
	opts := DefaultOptions()
	opts.NumCPUs = 2
	opts.TLBEntries = 8
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	if got := m.NumCPUs(); got != 2 {
		t.Errorf("NumCPUs() = %d, want 2", got)
	}
	for i := 0; i < m.NumCPUs(); i++ {
		if got := m.CPU(i).ID(); got != i {
			t.Errorf("CPU(%d).ID() = %d", i, got)
		}
		if got := m.CPU(i).TLB().Len(); got != 8 {
			t.Errorf("CPU(%d) has %d TLB entries, want 8", i, got)
		}
	}
	if got := m.RAM().Size(); got != opts.RAMSize {
		t.Errorf("RAM().Size() = %d, want %d", got, opts.RAMSize)
	}
}

func TestNewMachineRejectsBadOptions(t *testing.T) {
	for _, opts := range []Options{
		{RAMSize: 64 * hostarch.PageSize, NumCPUs: 0, TLBEntries: 64},
		{RAMSize: 64 * hostarch.PageSize, NumCPUs: 1, TLBEntries: 0},
		{RAMSize: 64*hostarch.PageSize + 1, NumCPUs: 1, TLBEntries: 64},
	} {
		if m, err := New(opts); err == nil {
			m.Close()
			t.Errorf("New(%+v) succeeded, want error", opts)
		}
	}
}

func TestCPUFromContext(t *testing.T) {
	m, err := New(DefaultOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	if CPUFromContext(ctx) != nil {
		t.Errorf("background context has a CPU")
	}
	ctx = WithCPU(ctx, m.CPU(0))
	if got := CPUFromContext(ctx); got != m.CPU(0) {
		t.Errorf("CPUFromContext = %v, want %v", got, m.CPU(0))
	}
}

func TestSplHighExcludes(t *testing.T) {
	m, err := New(DefaultOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	cpu := m.CPU(0)
	splx := cpu.SplHigh()
	acquired := make(chan struct{})
	go func() {
		restore := cpu.SplHigh()
		close(acquired)
		restore()
	}()
	select {
	case <-acquired:
		t.Fatalf("second SplHigh succeeded while interrupts were disabled")
	default:
	}
	splx()
	<-acquired
}
