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

// Package kernel provides the process layer of the simulated kernel: process
// creation, fork, exec, exit and wait on top of the VM system.
//
// Processes do not run instructions. A caller acts on behalf of a process by
// passing the context returned by Process.Context, which tells the VM system
// which process and CPU are current.
package kernel

import (
	"fmt"
	"io/fs"

	"github.com/google/btree"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/metric"
	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/pkg/sentry/pgalloc"
	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/pkg/sync"
)

// PID is a process ID.
type PID int32

const (
	// PIDMin is the lowest PID handed out.
	PIDMin PID = 2

	// PIDMax is the highest PID handed out.
	PIDMax PID = 32767
)

var processesCreated = metric.MustCreateNewUint64Metric("/kernel/processes_created", "Number of processes created.")

// Options configures a Kernel.
type Options struct {
	// Platform configures the machine.
	Platform platform.Options

	// PanicOnOOM makes physical memory exhaustion fatal.
	PanicOnOOM bool

	// MM configures every address space.
	MM mm.Options

	// FS holds the executables that Execv can run.
	FS fs.FS
}

// Kernel is the simulated kernel.
type Kernel struct {
	machine *platform.Machine
	mf      *pgalloc.CoreMap
	fs      fs.FS
	mmOpts  mm.Options

	// mu protects the process table and every parent/child link. It is
	// the lock that cond waits on.
	mu sync.Mutex

	// cond is broadcast whenever a process exits.
	cond *sync.Cond

	// processes holds every process whose PID is in use, ordered by PID.
	//
	// +checklocks:mu
	processes *btree.BTreeG[*Process]

	// freePIDs holds recycled PIDs.
	//
	// +checklocks:mu
	freePIDs *btree.BTreeG[PID]

	// nextPID is the lowest PID never handed out.
	//
	// +checklocks:mu
	nextPID PID
}

// New boots a kernel: it builds the machine and bootstraps the coremap.
func New(opts Options) (*Kernel, error) {
	m, err := platform.New(opts.Platform)
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	mf := pgalloc.New(m.RAM(), pgalloc.Options{PanicOnExhaustion: opts.PanicOnOOM})
	if err := mf.Bootstrap(); err != nil {
		m.Close()
		return nil, fmt.Errorf("bootstrapping VM: %w", err)
	}
	k := &Kernel{
		machine: m,
		mf:      mf,
		fs:      opts.FS,
		mmOpts:  opts.MM,
		processes: btree.NewG(16, func(a, b *Process) bool {
			return a.pid < b.pid
		}),
		freePIDs: btree.NewG(16, func(a, b PID) bool {
			return a < b
		}),
		nextPID: PIDMin,
	}
	k.cond = sync.NewCond(&k.mu)
	return k, nil
}

// Machine returns the simulated machine.
func (k *Kernel) Machine() *platform.Machine {
	return k.machine
}

// CoreMap returns the physical frame allocator.
func (k *Kernel) CoreMap() *pgalloc.CoreMap {
	return k.mf
}

// NewAddressSpace returns an empty address space configured for this kernel.
func (k *Kernel) NewAddressSpace() *mm.AddressSpace {
	return mm.NewAddressSpace(k.mf, k.mmOpts)
}

// Close releases the machine's memory. The kernel must not be used
// afterwards.
func (k *Kernel) Close() error {
	return k.machine.Close()
}

// allocPIDLocked returns an unused PID, preferring recycled ones.
//
// +checklocks:k.mu
func (k *Kernel) allocPIDLocked() (PID, error) {
	if pid, ok := k.freePIDs.DeleteMin(); ok {
		return pid, nil
	}
	if k.nextPID > PIDMax {
		return 0, kernerr.ENPROC
	}
	pid := k.nextPID
	k.nextPID++
	return pid, nil
}

// releasePIDLocked removes the process with the given PID from the table and
// makes the PID available again.
//
// +checklocks:k.mu
func (k *Kernel) releasePIDLocked(pid PID) {
	k.processes.Delete(&Process{pid: pid})
	k.freePIDs.ReplaceOrInsert(pid)
	log.Debugf("Recycled PID %d", pid)
}

// NewProcess creates a process with no parent and no address space.
func (k *Kernel) NewProcess(name string) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.newProcessLocked(name, nil)
}

// +checklocks:k.mu
func (k *Kernel) newProcessLocked(name string, parent *Process) (*Process, error) {
	pid, err := k.allocPIDLocked()
	if err != nil {
		return nil, err
	}
	p := &Process{
		k:      k,
		pid:    pid,
		name:   name,
		parent: parent,
	}
	k.processes.ReplaceOrInsert(p)
	processesCreated.Increment()
	return p, nil
}

// Lookup returns the process with the given PID, or nil.
func (k *Kernel) Lookup(pid PID) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, _ := k.processes.Get(&Process{pid: pid})
	return p
}

// Processes returns every process whose PID is in use, ordered by PID.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*Process, 0, k.processes.Len())
	k.processes.Ascend(func(p *Process) bool {
		out = append(out, p)
		return true
	})
	return out
}
