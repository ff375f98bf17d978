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

// Package platform provides the simulated machine: physical memory and a set
// of CPUs, each with its own TLB.
package platform

import (
	"fmt"

	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/platform/ram"
	"github.com/os161/vmsim/pkg/sentry/platform/tlb"
	"github.com/os161/vmsim/pkg/sync"
)

// Options configures a Machine.
type Options struct {
	// RAMSize is the amount of physical memory in bytes.
	RAMSize uint64

	// KernelImageSize is the amount of memory after the exception vectors
	// occupied by the kernel image.
	KernelImageSize uint64

	// NumCPUs is the number of processors.
	NumCPUs int

	// TLBEntries is the number of TLB slots per CPU.
	TLBEntries int

	// TLBSeed seeds the hardware's random replacement. CPU i uses
	// TLBSeed+i.
	TLBSeed uint64
}

// DefaultOptions returns the configuration of the reference machine.
func DefaultOptions() Options {
	return Options{
		RAMSize:         4 << 20,
		KernelImageSize: 256 << 10,
		NumCPUs:         1,
		TLBEntries:      tlb.DefaultEntries,
		TLBSeed:         1,
	}
}

// CPU is one processor.
type CPU struct {
	id  int
	tlb *tlb.TLB

	// spl is held while the CPU runs with interrupts disabled. Holding it is
	// what makes a read-modify-write of the TLB atomic with respect to other
	// code running on the same CPU.
	spl sync.Mutex
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// TLB returns the CPU's TLB.
//
// Preconditions: the caller has raised the priority level with SplHigh.
func (c *CPU) TLB() *tlb.TLB {
	return c.tlb
}

// SplHigh disables interrupts on the CPU and returns a function that restores
// the previous priority level. It is not reentrant.
func (c *CPU) SplHigh() (splx func()) {
	c.spl.Lock()
	return c.spl.Unlock
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// Machine is the simulated computer.
type Machine struct {
	ram  *ram.RAM
	cpus []*CPU
}

// New builds a machine.
func New(opts Options) (*Machine, error) {
	if opts.NumCPUs < 1 {
		return nil, fmt.Errorf("invalid number of CPUs %d", opts.NumCPUs)
	}
	if opts.TLBEntries < 1 {
		return nil, fmt.Errorf("invalid number of TLB entries %d", opts.TLBEntries)
	}
	r, err := ram.New(opts.RAMSize, opts.KernelImageSize)
	if err != nil {
		return nil, err
	}
	m := &Machine{ram: r}
	for i := 0; i < opts.NumCPUs; i++ {
		m.cpus = append(m.cpus, &CPU{
			id:  i,
			tlb: tlb.New(opts.TLBEntries, opts.TLBSeed+uint64(i)),
		})
	}
	log.Infof("Machine: %d KB physical memory (%d frames), %d CPUs, %d TLB entries each",
		opts.RAMSize>>10, opts.RAMSize/hostarch.PageSize, opts.NumCPUs, opts.TLBEntries)
	return m, nil
}

// RAM returns the machine's physical memory.
func (m *Machine) RAM() *ram.RAM {
	return m.ram
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns CPU i.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// Close releases physical memory.
func (m *Machine) Close() error {
	return m.ram.Close()
}
