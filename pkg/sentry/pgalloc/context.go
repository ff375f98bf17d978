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

package pgalloc

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxCoreMap is a Context.Value key for a CoreMap.
	CtxCoreMap contextID = iota
)

// CoreMapFromContext returns the CoreMap used by ctx, or nil if no such
// CoreMap exists.
func CoreMapFromContext(ctx context.Context) *CoreMap {
	if v := ctx.Value(CtxCoreMap); v != nil {
		return v.(*CoreMap)
	}
	return nil
}
