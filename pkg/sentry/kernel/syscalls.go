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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"

	"github.com/os161/vmsim/pkg/cleanup"
	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/loader"
	"github.com/os161/vmsim/pkg/sentry/mm"
)

const (
	// ArgMax is the maximum total size of exec arguments, including NULs.
	ArgMax = 64 << 10

	// PathMax is the maximum length of an executable path.
	PathMax = 1024
)

// Wait status encoding.
const (
	waitExited   = 0
	waitSignaled = 1
)

// MakeWaitExit returns the wait status of a process that exited with code.
func MakeWaitExit(code int32) int32 {
	return code<<2 | waitExited
}

// MakeWaitSig returns the wait status of a process killed by sig.
func MakeWaitSig(sig int32) int32 {
	return sig<<2 | waitSignaled
}

// WaitExited returns the exit code in status and whether the process exited
// normally.
func WaitExited(status int32) (code int32, ok bool) {
	return status >> 2, status&3 == waitExited
}

// WaitSignaled returns the signal in status and whether the process was
// killed by a signal.
func WaitSignaled(status int32) (sig int32, ok bool) {
	return status >> 2, status&3 == waitSignaled
}

// current returns the process ctx runs on behalf of.
func current(ctx context.Context) (*Process, error) {
	p := ProcessFromContext(ctx)
	if p == nil {
		return nil, kernerr.ESRCH
	}
	return p, nil
}

// GetPID returns the PID of the current process.
func GetPID(ctx context.Context) (PID, error) {
	p, err := current(ctx)
	if err != nil {
		return 0, err
	}
	return p.pid, nil
}

// Fork creates a child of the current process with a copy of its address
// space. The child does not run until a caller uses its context.
func Fork(ctx context.Context) (*Process, error) {
	p, err := current(ctx)
	if err != nil {
		return nil, err
	}
	as := p.AddressSpace()
	if as == nil {
		return nil, kernerr.EINVAL
	}
	childAS, err := as.Fork()
	if err != nil {
		return nil, err
	}

	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if p.exited {
		childAS.Destroy()
		return nil, kernerr.ESRCH
	}
	c, err := k.newProcessLocked(p.name, p)
	if err != nil {
		childAS.Destroy()
		return nil, err
	}
	c.SetAddressSpace(childAS)
	p.children = append(p.children, &child{pid: c.pid, proc: c})
	log.Debugf("Process %d forked child %d", p.pid, c.pid)
	return c, nil
}

// ExecResult is where a freshly exec'd process starts.
type ExecResult struct {
	// Entry is the program entry point.
	Entry hostarch.Addr

	// Argc is the number of arguments.
	Argc int

	// Argv is the user address of the argument pointer array.
	Argv hostarch.Addr

	// StackPointer is the initial stack pointer. It is 8-byte aligned.
	StackPointer hostarch.Addr
}

// Execv replaces the current process's image with the executable at path in
// the kernel's file system and lays argv out on the new user stack. On
// failure the old image is left in place.
func Execv(ctx context.Context, path string, argv []string) (ExecResult, error) {
	p, err := current(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	if len(path) == 0 || len(path) > PathMax {
		return ExecResult{}, kernerr.EINVAL
	}
	total := 0
	for _, arg := range argv {
		total += len(arg) + 1
	}
	if total > ArgMax {
		return ExecResult{}, kernerr.E2BIG
	}

	r, err := p.k.open(path)
	if err != nil {
		return ExecResult{}, err
	}

	as := p.k.NewAddressSpace()
	old := p.SetAddressSpace(as)
	mm.Activate(ctx)
	cu := cleanup.Make(func() {
		p.SetAddressSpace(old)
		as.Destroy()
		mm.Activate(ctx)
	})
	defer cu.Clean()

	entry, err := loader.Load(ctx, as, r)
	if err != nil {
		return ExecResult{}, err
	}
	sp, err := as.DefineStack()
	if err != nil {
		return ExecResult{}, err
	}
	argvAddr, sp, err := copyOutArgs(ctx, sp, argv)
	if err != nil {
		return ExecResult{}, err
	}

	cu.Release()
	if old != nil {
		old.Destroy()
	}
	log.Debugf("Process %d exec %q: entry %v, sp %v", p.pid, path, entry, sp)
	return ExecResult{
		Entry:        entry,
		Argc:         len(argv),
		Argv:         argvAddr,
		StackPointer: sp,
	}, nil
}

// open returns the contents of the executable at path.
func (k *Kernel) open(path string) (io.ReaderAt, error) {
	name := strings.TrimPrefix(path, "/")
	if k.fs == nil || !fs.ValidPath(name) {
		return nil, kernerr.ENOENT
	}
	f, err := k.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, kernerr.ENOENT
		}
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()
	// The file is closed before loading, so read it in full.
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, kernerr.EIO
	}
	return bytes.NewReader(data), nil
}

// copyOutArgs copies argv onto the stack below sp: first the strings, each
// padded to 8 bytes, then the NULL-terminated pointer array. It returns the
// address of the pointer array and the new, 8-byte aligned stack pointer.
func copyOutArgs(ctx context.Context, sp hostarch.Addr, argv []string) (argvAddr, newSP hostarch.Addr, err error) {
	ptrs := make([]hostarch.Addr, len(argv)+1)
	for j := len(argv) - 1; j >= 0; j-- {
		sp -= hostarch.Addr(roundUp(len(argv[j])+1, 8))
		if _, err := mm.CopyOutString(ctx, sp, argv[j]); err != nil {
			return 0, 0, err
		}
		ptrs[j] = sp
	}
	for j := len(argv); j >= 0; j-- {
		sp -= 4
		if err := mm.CopyOutUint32(ctx, sp, uint32(ptrs[j])); err != nil {
			return 0, 0, err
		}
	}
	argvAddr = sp
	sp -= 8 - (hostarch.UserStack-sp)%8
	return argvAddr, sp, nil
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// ExecvUser is Execv with the path and the NULL-terminated argument pointer
// array read from the current address space.
func ExecvUser(ctx context.Context, pathAddr, argvAddr hostarch.Addr) (ExecResult, error) {
	path, err := mm.CopyInString(ctx, pathAddr, PathMax)
	if err != nil {
		return ExecResult{}, err
	}
	var argv []string
	total := 0
	for i := hostarch.Addr(0); ; i++ {
		ptr, err := mm.CopyInUint32(ctx, argvAddr+4*i)
		if err != nil {
			return ExecResult{}, err
		}
		if ptr == 0 {
			break
		}
		arg, err := mm.CopyInString(ctx, hostarch.Addr(ptr), ArgMax-total)
		if err != nil {
			if kernerr.Equals(kernerr.ENAMETOOLONG, err) {
				return ExecResult{}, kernerr.E2BIG
			}
			return ExecResult{}, err
		}
		total += len(arg) + 1
		if total > ArgMax {
			return ExecResult{}, kernerr.E2BIG
		}
		argv = append(argv, arg)
	}
	return Execv(ctx, path, argv)
}

// Exit terminates the current process with the given exit code.
func Exit(ctx context.Context, code int32) error {
	return exit(ctx, MakeWaitExit(code))
}

// Kill terminates the current process as if by signal sig.
func Kill(ctx context.Context, sig int32) error {
	return exit(ctx, MakeWaitSig(sig))
}

func exit(ctx context.Context, status int32) error {
	p, err := current(ctx)
	if err != nil {
		return err
	}
	k := p.k

	k.mu.Lock()
	if p.exited {
		k.mu.Unlock()
		return kernerr.ESRCH
	}
	p.exited = true
	if p.parent != nil {
		for _, c := range p.parent.children {
			if c.pid == p.pid && c.proc != nil {
				c.status = status
				c.proc = nil
				break
			}
		}
		k.cond.Broadcast()
	} else {
		// Nobody will wait for p.
		k.releasePIDLocked(p.pid)
	}
	for _, c := range p.children {
		if c.proc != nil {
			c.proc.parent = nil
		} else {
			k.releasePIDLocked(c.pid)
		}
	}
	p.children = nil
	k.mu.Unlock()

	log.Debugf("Process %d exited with status %#x", p.pid, status)
	mm.Deactivate(ctx)
	if as := p.SetAddressSpace(nil); as != nil {
		as.Destroy()
	}
	return nil
}

// WaitPID waits for the child pid of the current process to exit and returns
// its wait status. The child's PID is released.
func WaitPID(ctx context.Context, pid PID, options int) (int32, error) {
	if options != 0 {
		return 0, kernerr.EINVAL
	}
	p, err := current(ctx)
	if err != nil {
		return 0, err
	}
	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()
	i := slices.IndexFunc(p.children, func(c *child) bool { return c.pid == pid })
	if i < 0 {
		return 0, kernerr.ECHILD
	}
	c := p.children[i]
	for c.proc != nil {
		k.cond.Wait()
	}
	p.children = slices.DeleteFunc(p.children, func(o *child) bool { return o == c })
	k.releasePIDLocked(c.pid)
	return c.status, nil
}
