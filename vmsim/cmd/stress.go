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
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/kernel"
	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/pkg/sentry/platform"
	"github.com/os161/vmsim/vmsim/config"
)

const (
	stressTextBase hostarch.Addr = 0x00400000
	stressDataBase hostarch.Addr = 0x10000000
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	runs       int
	maxPages   int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent address space workloads and check the coremap"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - one worker per CPU creates, fills, forks and destroys address spaces.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "iterations", 100, "number of address spaces each worker creates")
	f.IntVar(&s.runs, "runs", 1, "number of runs, each on a fresh machine with the next TLB seed")
	f.IntVar(&s.maxPages, "max-pages", 16, "maximum size of a region in pages")
}

// stressStats counts outcomes across workers.
type stressStats struct {
	spaces atomic.Uint64
	forks  atomic.Uint64
	oom    atomic.Uint64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.iterations < 1 || s.runs < 1 || s.maxPages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	for run := 0; run < s.runs; run++ {
		runConf := conf.Clone()
		runConf.TLBSeed += uint64(run)
		var stats stressStats
		if err := s.run(ctx, runConf, &stats); err != nil {
			return Errorf("run %d (TLB seed %d): %v", run, runConf.TLBSeed, err)
		}
		fmt.Fprintf(output, "run %d: %d address spaces, %d forks, %d out of memory\n", run, stats.spaces.Load(), stats.forks.Load(), stats.oom.Load())
	}
	return subcommands.ExitSuccess
}

// run boots a machine described by conf and runs one worker on each CPU.
func (s *Stress) run(ctx context.Context, conf *config.Config, stats *stressStats) error {
	k, _, err := bootKernel(conf, "")
	if err != nil {
		return err
	}
	defer k.Close()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < k.Machine().NumCPUs(); i++ {
		cpu := k.Machine().CPU(i)
		rng := rand.New(rand.NewPCG(conf.TLBSeed, uint64(i)))
		g.Go(func() error {
			for it := 0; it < s.iterations; it++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.iteration(gctx, k, cpu, rng, stats); err != nil {
					return fmt.Errorf("%v, iteration %d: %w", cpu, it, err)
				}
				if err := k.CoreMap().CheckInvariants(); err != nil {
					return fmt.Errorf("%v, iteration %d: %w", cpu, it, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if u := k.CoreMap().Usage(); u.Used != 0 {
		return fmt.Errorf("%d frames leaked", u.Used)
	}
	return nil
}

// iteration builds an address space with two random regions in a fresh
// process, fills region B through the TLB, forks, checks that the child sees
// the same contents, and tears both processes down.
func (s *Stress) iteration(ctx context.Context, k *kernel.Kernel, cpu *platform.CPU, rng *rand.Rand, stats *stressStats) error {
	p, err := k.NewProcess("stress")
	if err != nil {
		return err
	}
	pctx := p.Context(ctx, cpu)
	defer kernel.Exit(pctx, 0)

	as := k.NewAddressSpace()
	p.SetAddressSpace(as)
	mm.Activate(pctx)
	stats.spaces.Add(1)

	textPages := 1 + rng.IntN(s.maxPages)
	dataPages := 1 + rng.IntN(s.maxPages)
	if err := as.DefineRegion(stressTextBase, uint64(textPages)*hostarch.PageSize, true, false, true); err != nil {
		return err
	}
	if err := as.DefineRegion(stressDataBase, uint64(dataPages)*hostarch.PageSize, true, true, false); err != nil {
		return err
	}
	if err := as.PrepareLoad(); err != nil {
		if kernerr.Equals(kernerr.ENOMEM, err) {
			stats.oom.Add(1)
			return nil
		}
		return err
	}
	if err := as.CompleteLoad(); err != nil {
		return err
	}
	mm.Activate(pctx)

	data := make([]byte, dataPages*hostarch.PageSize)
	for i := range data {
		data[i] = byte(rng.Uint32())
	}
	if _, err := mm.CopyOut(pctx, stressDataBase, data); err != nil {
		return fmt.Errorf("filling data: %w", err)
	}
	if _, err := mm.CopyOut(pctx, stressTextBase, data[:1]); !kernerr.Equals(kernerr.EFAULT, err) {
		return fmt.Errorf("write to loaded text: got %v, want EFAULT", err)
	}

	child, err := kernel.Fork(pctx)
	if err != nil {
		if kernerr.Equals(kernerr.ENOMEM, err) || kernerr.Equals(kernerr.ENPROC, err) {
			stats.oom.Add(1)
			return nil
		}
		return err
	}
	stats.forks.Add(1)

	cctx := child.Context(ctx, cpu)
	mm.Activate(cctx)
	got := make([]byte, len(data))
	_, err = mm.CopyIn(cctx, stressDataBase, got)
	if exitErr := kernel.Exit(cctx, 1); err == nil {
		err = exitErr
	}
	mm.Activate(pctx)
	if err != nil {
		return fmt.Errorf("reading child data: %w", err)
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("child data differs from parent")
	}
	status, err := kernel.WaitPID(pctx, child.PID(), 0)
	if err != nil {
		return err
	}
	if code, ok := kernel.WaitExited(status); !ok || code != 1 {
		return fmt.Errorf("child wait status %#x, want exit 1", status)
	}
	log.Debugf("%v: %v ok", cpu, as)
	return nil
}
