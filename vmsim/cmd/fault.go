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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/sentry/kernel"
	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/vmsim/config"
)

// access is one replayed memory access.
type access struct {
	write bool
	addr  hostarch.Addr
}

// parseAccess parses "r:ADDR" or "w:ADDR". ADDR accepts Go integer syntax.
func parseAccess(s string) (access, error) {
	kind, addr, ok := strings.Cut(s, ":")
	if !ok {
		return access{}, fmt.Errorf("access %q: want r:ADDR or w:ADDR", s)
	}
	var a access
	switch kind {
	case "r":
	case "w":
		a.write = true
	default:
		return access{}, fmt.Errorf("access %q: unknown kind %q", s, kind)
	}
	v, err := strconv.ParseUint(addr, 0, 32)
	if err != nil {
		return access{}, fmt.Errorf("access %q: %w", s, err)
	}
	a.addr = hostarch.Addr(v)
	return a, nil
}

// Fault implements subcommands.Command for the "fault" command.
type Fault struct {
	dumpTLB bool
}

// Name implements subcommands.Command.Name.
func (*Fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fault) Synopsis() string {
	return "load an ELF image and replay memory accesses through the TLB"
}

// Usage implements subcommands.Command.Usage.
func (*Fault) Usage() string {
	return `fault [flags] <elf> <r|w:addr>... - replay reads and writes, printing each translation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fa *Fault) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&fa.dumpTLB, "tlb", false, "print the valid TLB entries after the last access")
}

// Execute implements subcommands.Command.Execute.
func (fa *Fault) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	accesses := make([]access, 0, f.NArg()-1)
	for _, arg := range f.Args()[1:] {
		a, err := parseAccess(arg)
		if err != nil {
			return Errorf("%v", err)
		}
		accesses = append(accesses, a)
	}
	conf := args[0].(*config.Config)

	k, name, err := bootKernel(conf, f.Arg(0))
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer k.Close()

	p, err := k.NewProcess(name)
	if err != nil {
		return kernelError(err, "creating process")
	}
	cpu := k.Machine().CPU(0)
	pctx := p.Context(ctx, cpu)
	if _, err := kernel.Execv(pctx, name, []string{name}); err != nil {
		return kernelError(err, "exec %q", f.Arg(0))
	}

	failed := 0
	for _, a := range accesses {
		var b [1]byte
		kind := "r"
		if a.write {
			kind = "w"
			_, err = mm.CopyOut(pctx, a.addr, b[:])
		} else {
			_, err = mm.CopyIn(pctx, a.addr, b[:])
		}
		if err != nil {
			failed++
			fmt.Fprintf(output, "%s %v: %v\n", kind, a.addr, err)
			continue
		}
		pa, _, _ := p.AddressSpace().Translate(a.addr)
		fmt.Fprintf(output, "%s %v -> %v\n", kind, a.addr, pa)
	}

	if fa.dumpTLB {
		splx := cpu.SplHigh()
		entries := cpu.TLB().Snapshot()
		splx()
		for i, e := range entries {
			if e.Valid() {
				fmt.Fprintf(output, "tlb[%d]: %v\n", i, e)
			}
		}
	}

	if err := kernel.Exit(pctx, 0); err != nil {
		return kernelError(err, "exit of PID %d", p.PID())
	}
	if failed > 0 {
		return Errorf("%d of %d accesses faulted", failed, len(accesses))
	}
	return subcommands.ExitSuccess
}
