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

package kernel

import (
	"context"

	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/pkg/sentry/pgalloc"
	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/pkg/sync"
)

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

const (
	// CtxKernel is a Context.Value key for a Kernel.
	CtxKernel contextID = iota
)

// child is a parent's record of one of its children.
type child struct {
	pid PID

	// proc is the child while it is alive, and nil once it has exited.
	proc *Process

	// status is the encoded wait status, valid once proc is nil.
	status int32
}

// Process is a user process.
type Process struct {
	k    *Kernel
	pid  PID
	name string

	// parent is the parent process while both are alive. It is nil for
	// processes created by NewProcess and once the parent has exited.
	//
	// +checklocks:k.mu
	parent *Process

	// children records every child not yet waited for.
	//
	// +checklocks:k.mu
	children []*child

	// exited is set once the process has exited.
	//
	// +checklocks:k.mu
	exited bool

	asMu sync.Mutex

	// +checklocks:asMu
	as *mm.AddressSpace
}

// PID returns the process ID.
func (p *Process) PID() PID {
	return p.pid
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// AddressSpace implements mm.Process.AddressSpace.
func (p *Process) AddressSpace() *mm.AddressSpace {
	p.asMu.Lock()
	defer p.asMu.Unlock()
	return p.as
}

// SetAddressSpace replaces the process's address space and returns the old
// one.
func (p *Process) SetAddressSpace(as *mm.AddressSpace) *mm.AddressSpace {
	p.asMu.Lock()
	defer p.asMu.Unlock()
	old := p.as
	p.as = as
	return old
}

// Exited returns true once the process has exited.
func (p *Process) Exited() bool {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.exited
}

// Context returns a context derived from ctx in which p is the current
// process, running on cpu.
func (p *Process) Context(ctx context.Context, cpu *platform.CPU) context.Context {
	return &processContext{Context: ctx, p: p, cpu: cpu}
}

// processContext is the context of code running on behalf of a process.
type processContext struct {
	context.Context
	p   *Process
	cpu *platform.CPU
}

// Value implements context.Context.Value.
func (c *processContext) Value(key any) any {
	switch key {
	case CtxKernel:
		return c.p.k
	case mm.CtxProcess:
		return c.p
	case platform.CtxCPU:
		return c.cpu
	case pgalloc.CtxCoreMap:
		return c.p.k.mf
	default:
		return c.Context.Value(key)
	}
}

// KernelFromContext returns the Kernel in which ctx is executing, or nil if
// there is no such Kernel.
func KernelFromContext(ctx context.Context) *Kernel {
	if v := ctx.Value(CtxKernel); v != nil {
		return v.(*Kernel)
	}
	return nil
}

// ProcessFromContext returns the current process, or nil if ctx does not run
// on behalf of a process of this kernel.
func ProcessFromContext(ctx context.Context) *Process {
	p, _ := mm.ProcessFromContext(ctx).(*Process)
	return p
}
