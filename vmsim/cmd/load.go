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

	"github.com/google/subcommands"

	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/kernel"
	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/vmsim/config"
)

// Load implements subcommands.Command for the "load" command.
type Load struct {
	forks int
}

// Name implements subcommands.Command.Name.
func (*Load) Name() string {
	return "load"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Load) Synopsis() string {
	return "boot the machine and exec an ELF image in a new process"
}

// Usage implements subcommands.Command.Usage.
func (*Load) Usage() string {
	return `load [flags] <elf> [args...] - exec the image and print its address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Load) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.forks, "forks", 0, "number of times to fork the loaded process")
}

// Execute implements subcommands.Command.Execute.
func (l *Load) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 || l.forks < 0 {
		f.Usage()
		return subcommands.ExitUsageError
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
	pctx := p.Context(ctx, k.Machine().CPU(0))
	res, err := kernel.Execv(pctx, name, append([]string{name}, f.Args()[1:]...))
	if err != nil {
		return kernelError(err, "exec %q", f.Arg(0))
	}
	log.Infof("Loaded %q into PID %d", name, p.PID())

	fmt.Fprintf(output, "pid:    %d\n", p.PID())
	printAddressSpace(p.AddressSpace())
	fmt.Fprintf(output, "entry:  %v\n", res.Entry)
	fmt.Fprintf(output, "sp:     %v\n", res.StackPointer)
	fmt.Fprintf(output, "argc:   %d\n", res.Argc)
	fmt.Fprintf(output, "argv:   %v\n", res.Argv)
	printUsage(k)

	children := make([]*kernel.Process, 0, l.forks)
	for i := 0; i < l.forks; i++ {
		c, err := kernel.Fork(pctx)
		if err != nil {
			return kernelError(err, "fork #%d", i+1)
		}
		children = append(children, c)
	}
	if l.forks > 0 {
		fmt.Fprintf(output, "forked %d children\n", len(children))
		printUsage(k)
	}

	for i, c := range children {
		if err := kernel.Exit(c.Context(ctx, k.Machine().CPU(0)), int32(i)); err != nil {
			return kernelError(err, "exit of PID %d", c.PID())
		}
		if _, err := kernel.WaitPID(pctx, c.PID(), 0); err != nil {
			return kernelError(err, "waiting for PID %d", c.PID())
		}
	}
	if err := kernel.Exit(pctx, 0); err != nil {
		return kernelError(err, "exit of PID %d", p.PID())
	}
	if err := k.CoreMap().CheckInvariants(); err != nil {
		return Errorf("coremap corrupted: %v", err)
	}
	if u := k.CoreMap().Usage(); u.Used != 0 {
		return Errorf("%d frames still allocated after every process exited", u.Used)
	}
	return subcommands.ExitSuccess
}

func printAddressSpace(as *mm.AddressSpace) {
	fmt.Fprintf(output, "region: %v\n", as.RegionA())
	fmt.Fprintf(output, "region: %v\n", as.RegionB())
	stack := hostarch.AddrRange{Start: mm.StackBase, End: hostarch.UserStack}
	fmt.Fprintf(output, "stack:  %v rw- %d pages\n", stack, mm.StackPages)
}

func printUsage(k *kernel.Kernel) {
	u := k.CoreMap().Usage()
	fmt.Fprintf(output, "frames: %d used, %d free of %d (%d reserved, %d stolen)\n", u.Used, u.Free, u.Total, u.Reserved, u.Stolen)
}
