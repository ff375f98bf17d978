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
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxProcess is a Context.Value key for the Process on whose behalf the
	// caller runs.
	CtxProcess contextID = iota
)

// Process is the part of a process that the VM system needs.
type Process interface {
	// AddressSpace returns the process's address space, or nil if it has
	// none.
	AddressSpace() *AddressSpace
}

// ProcessFromContext returns the current process, or nil if ctx does not run
// on behalf of a process.
func ProcessFromContext(ctx context.Context) Process {
	if v := ctx.Value(CtxProcess); v != nil {
		return v.(Process)
	}
	return nil
}

// AddressSpaceFromContext returns the current process's address space, or nil
// if there is no current process or it has no address space.
func AddressSpaceFromContext(ctx context.Context) *AddressSpace {
	if p := ProcessFromContext(ctx); p != nil {
		return p.AddressSpace()
	}
	return nil
}
