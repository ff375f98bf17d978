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
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCPU is a Context.Value key for the CPU the caller is running on.
	CtxCPU contextID = iota
)

// WithCPU returns a copy of ctx running on cpu.
func WithCPU(ctx context.Context, cpu *CPU) context.Context {
	return context.WithValue(ctx, CtxCPU, cpu)
}

// CPUFromContext returns the CPU used by ctx, or nil if ctx is not running on
// a CPU.
func CPUFromContext(ctx context.Context) *CPU {
	if v := ctx.Value(CtxCPU); v != nil {
		return v.(*CPU)
	}
	return nil
}
